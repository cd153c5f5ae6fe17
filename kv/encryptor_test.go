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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
)

func testKey() crypto.EncryptionKey {
	var key crypto.EncryptionKey
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc := MakeEncryptor(testKey())
	id := basics.TxID{Term: 2, Version: 17}
	aad := []byte("app.secrets")

	sealed := enc.Encrypt(id, aad, []byte("payload"))
	require.NotEqual(t, []byte("payload"), sealed)

	plain, err := enc.Decrypt(id, aad, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), plain)
}

func TestEncryptorBindsIDAndAAD(t *testing.T) {
	enc := MakeEncryptor(testKey())
	id := basics.TxID{Term: 2, Version: 17}
	sealed := enc.Encrypt(id, []byte("aad"), []byte("payload"))

	_, err := enc.Decrypt(basics.TxID{Term: 2, Version: 18}, []byte("aad"), sealed)
	require.ErrorIs(t, err, ErrDecryptFailed)

	_, err = enc.Decrypt(id, []byte("other"), sealed)
	require.ErrorIs(t, err, ErrDecryptFailed)

	sealed[0] ^= 1
	_, err = enc.Decrypt(id, []byte("aad"), sealed)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestEncryptorDistinctTermsDistinctStreams(t *testing.T) {
	enc := MakeEncryptor(testKey())
	a := enc.Encrypt(basics.TxID{Term: 1, Version: 5}, nil, []byte("payload"))
	b := enc.Encrypt(basics.TxID{Term: 2, Version: 5}, nil, []byte("payload"))
	require.NotEqual(t, a, b)
}
