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
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/algorand/go-concord/protocol"
)

// DigestSize is the number of bytes in the preferred hash Digest used here.
const DigestSize = sha512.Size256

// Digest represents a 32-byte value holding the 256-bit Hash digest.
type Digest [DigestSize]byte

// Hash computes the SHA-512/256 hash of an array of bytes.
func Hash(data []byte) Digest {
	return sha512.Sum512_256(data)
}

// String returns the digest in a human-readable Base64 representation.
func (d Digest) String() string {
	return base64.StdEncoding.EncodeToString(d[:])
}

// TrimString returns a shortened hex prefix of the digest for logging.
func (d Digest) TrimString() string {
	return hex.EncodeToString(d[:8])
}

// IsZero returns true if the digest contains only zeros.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DigestFromString converts a Base64 encoded string to a Digest.
func DigestFromString(str string) (d Digest, err error) {
	decoded, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return d, err
	}
	if len(decoded) != len(d) {
		return d, fmt.Errorf("expected digest length %d, got %d", len(d), len(decoded))
	}
	copy(d[:], decoded)
	return d, nil
}

// Hashable is an interface implemented by an object that can be represented
// with a sequence of bytes to be hashed or signed, together with a type ID
// to distinguish different types of objects.
type Hashable interface {
	ToBeHashed() (protocol.HashID, []byte)
}

// HashRep appends the correct hashid before the message to be hashed.
func HashRep(h Hashable) []byte {
	hashid, data := h.ToBeHashed()
	return append([]byte(hashid), data...)
}

// HashObj computes a hash of a Hashable object and its type.
func HashObj(h Hashable) Digest {
	return Hash(HashRep(h))
}
