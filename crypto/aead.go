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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// EncryptionKeySize is the size in bytes of symmetric AEAD keys.
const EncryptionKeySize = 32

// GCMNonceSize is the standard 96-bit GCM nonce length.
const GCMNonceSize = 12

// GCMTagSize is the length of the GCM authentication tag.
const GCMTagSize = 16

// EncryptionKey is a symmetric key for AES-256-GCM.
type EncryptionKey [EncryptionKeySize]byte

// RandomEncryptionKey draws a fresh symmetric key from the system RNG.
func RandomEncryptionKey() (key EncryptionKey) {
	RandBytes(key[:])
	return
}

// MakeAEAD builds the AES-256-GCM cipher for a key.  The only errors the
// underlying constructors can return are for invalid key or nonce sizes,
// which the fixed-size types rule out.
func (k EncryptionKey) MakeAEAD() cipher.AEAD {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

// IsZero returns true if the key is all zeroes.
func (k EncryptionKey) IsZero() bool {
	return k == EncryptionKey{}
}

// RandBytes fills the provided buffer with system randomness.  Failure to
// read the system RNG is not recoverable.
func RandBytes(dst []byte) {
	if _, err := rand.Read(dst); err != nil {
		panic(err)
	}
}
