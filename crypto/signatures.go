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
	"crypto/ed25519"
	"errors"
)

// A Seed holds the entropy needed to generate cryptographic keys.
type Seed [32]byte

// A Signature is a cryptographic signature.  It proves that a message was
// produced by a holder of a cryptographic secret.
type Signature [ed25519.SignatureSize]byte

// BlankSignature is an empty signature structure, containing nothing but
// zeroes.
var BlankSignature = Signature{}

// A SignatureVerifier is used to identify the holder of SignatureSecrets
// and verify the authenticity of Signatures.
type SignatureVerifier [ed25519.PublicKeySize]byte

// PublicKey is an alias for SignatureVerifier.
type PublicKey = SignatureVerifier

// SignatureSecrets are used by an entity to produce unforgeable signatures
// over a message.
type SignatureSecrets struct {
	SignatureVerifier
	sk ed25519.PrivateKey
}

// ErrBadSeedLength is returned when attempting to rebuild secrets from a
// seed of the wrong size.
var ErrBadSeedLength = errors.New("ed25519 seed has wrong length")

// GenerateSignatureSecrets creates SignatureSecrets from a given seed.
func GenerateSignatureSecrets(seed Seed) *SignatureSecrets {
	sk := ed25519.NewKeyFromSeed(seed[:])
	s := &SignatureSecrets{sk: sk}
	copy(s.SignatureVerifier[:], sk.Public().(ed25519.PublicKey))
	return s
}

// Sign produces a cryptographic Signature of a message, identified by its
// domain-separating hash ID.
func (s *SignatureSecrets) Sign(message Hashable) Signature {
	return s.SignBytes(HashRep(message))
}

// SignBytes signs a message directly, without first hashing it with a
// domain separator.  Use Sign unless the representation is externally
// fixed.
func (s *SignatureSecrets) SignBytes(message []byte) (sig Signature) {
	copy(sig[:], ed25519.Sign(s.sk, message))
	return
}

// Verify verifies that some holder of a cryptographic secret authentically
// signed a Hashable message.
func (v SignatureVerifier) Verify(message Hashable, sig Signature) bool {
	return v.VerifyBytes(HashRep(message), sig)
}

// VerifyBytes verifies a signature, allowing the caller to specify the raw
// signed bytes.
func (v SignatureVerifier) VerifyBytes(message []byte, sig Signature) bool {
	return ed25519.Verify(v[:], message, sig[:])
}

// IsZero returns true if the verifier is all zeroes (no key loaded).
func (v SignatureVerifier) IsZero() bool {
	return v == SignatureVerifier{}
}
