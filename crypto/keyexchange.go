// Copyright (C) 2019-2024 Algorand, Inc.
// This file is part of go-concord
//
// go-concord is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// go-concord is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with go-concord.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyExchangePublicSize is the wire size of an X25519 public share.
const KeyExchangePublicSize = 32

// KeyExchangePublic is the public half of an ephemeral channel key.
type KeyExchangePublic [KeyExchangePublicSize]byte

// KeyExchange holds one side's ephemeral X25519 state for establishing an
// authenticated channel key with a peer.  A context is single-use: after
// DeriveSharedKey succeeds the private share should be discarded with the
// context.
type KeyExchange struct {
	priv *ecdh.PrivateKey
	pub  KeyExchangePublic
}

// NewKeyExchange creates a fresh ephemeral key-exchange context.
func NewKeyExchange() (*KeyExchange, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: generating ephemeral key: %w", err)
	}
	ke := &KeyExchange{priv: priv}
	copy(ke.pub[:], priv.PublicKey().Bytes())
	return ke, nil
}

// Public returns the local public share to be signed and sent to the peer.
func (ke *KeyExchange) Public() KeyExchangePublic {
	return ke.pub
}

// DeriveSharedKey completes the exchange with the peer's public share and
// derives a symmetric channel key via HKDF-SHA256.  The info string binds
// the key to its use; both sides must pass identical salt and info.
func (ke *KeyExchange) DeriveSharedKey(peer KeyExchangePublic, salt, info []byte) (EncryptionKey, error) {
	var key EncryptionKey
	peerKey, err := ecdh.X25519().NewPublicKey(peer[:])
	if err != nil {
		return key, fmt.Errorf("keyexchange: bad peer public share: %w", err)
	}
	secret, err := ke.priv.ECDH(peerKey)
	if err != nil {
		return key, fmt.Errorf("keyexchange: ECDH failed: %w", err)
	}
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("keyexchange: deriving channel key: %w", err)
	}
	return key, nil
}
