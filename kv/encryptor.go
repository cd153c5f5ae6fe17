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

package kv

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
)

// An Encryptor protects private-map segments on their way to the ledger.
// The transaction id makes every ciphertext's nonce unique: versions never
// repeat within a term, and the term changes before versions can be
// reassigned after a rollback.
type Encryptor interface {
	// Encrypt seals plain under the entry's id, binding aad.
	Encrypt(id basics.TxID, aad, plain []byte) []byte
	// Decrypt opens a sealed segment produced by a peer's Encrypt at the
	// same id and aad.
	Decrypt(id basics.TxID, aad, sealed []byte) ([]byte, error)
}

// ErrDecryptFailed is returned when a sealed segment fails authentication.
var ErrDecryptFailed = errors.New("kv: segment decryption failed")

// NullEncryptor passes segments through in the clear.  It is used before
// the service key is available and in tests.
type NullEncryptor struct{}

// Encrypt implements Encryptor.
func (NullEncryptor) Encrypt(id basics.TxID, aad, plain []byte) []byte {
	return plain
}

// Decrypt implements Encryptor.
func (NullEncryptor) Decrypt(id basics.TxID, aad, sealed []byte) ([]byte, error) {
	return sealed, nil
}

type gcmEncryptor struct {
	aead cipher.AEAD
}

// MakeEncryptor builds an AES-GCM encryptor over the shared service key.
func MakeEncryptor(key crypto.EncryptionKey) Encryptor {
	return &gcmEncryptor{aead: key.MakeAEAD()}
}

// txIV packs (version, low 32 bits of term) into the 96-bit GCM nonce.
func txIV(id basics.TxID) []byte {
	iv := make([]byte, crypto.GCMNonceSize)
	binary.BigEndian.PutUint64(iv[0:8], uint64(id.Version))
	binary.BigEndian.PutUint32(iv[8:12], uint32(id.Term))
	return iv
}

func (e *gcmEncryptor) Encrypt(id basics.TxID, aad, plain []byte) []byte {
	return e.aead.Seal(nil, txIV(id), plain, aad)
}

func (e *gcmEncryptor) Decrypt(id basics.TxID, aad, sealed []byte) ([]byte, error) {
	plain, err := e.aead.Open(nil, txIV(id), sealed, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
