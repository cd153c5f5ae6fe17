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

// Package network implements the authenticated, encrypted, nonced
// point-to-point transport between replicas: an ECDH handshake certified
// by node identity keys, AES-GCM framing, and per-lane replay protection.
package network

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
	"github.com/algorand/go-concord/util/metrics"
)

// ChannelState tracks the per-peer handshake.
type ChannelState int

const (
	// Initiated: a key-exchange context exists; the peer public share has
	// not been verified yet.
	Initiated ChannelState = iota
	// Established: the derived AES-GCM key is live.
	Established
)

func (s ChannelState) String() string {
	if s == Established {
		return "ESTABLISHED"
	}
	return "INITIATED"
}

// HeaderSize is the wire size of a frame header: the 12-byte GCM IV
// followed by the 16-byte GCM tag.
const HeaderSize = crypto.GCMNonceSize + crypto.GCMTagSize

// counterBits is the width of the per-channel send counter packed into
// the IV's low 8 bytes alongside the 8-bit lane id.
const counterBits = 56

const maxCounter = uint64(1)<<counterBits - 1

// A Header carries one frame's IV and authentication tag.  The IV's low 8
// bytes pack (lane:8 | send_counter:56); the high 4 bytes are zero.
type Header [HeaderSize]byte

func makeHeader(lane uint8, counter uint64, tag []byte) (hdr Header) {
	binary.BigEndian.PutUint64(hdr[4:12], uint64(lane)<<counterBits|counter)
	copy(hdr[crypto.GCMNonceSize:], tag)
	return hdr
}

// IV returns the frame's GCM nonce.
func (hdr *Header) IV() []byte {
	return hdr[:crypto.GCMNonceSize]
}

// Tag returns the frame's GCM authentication tag.
func (hdr *Header) Tag() []byte {
	return hdr[crypto.GCMNonceSize:]
}

// Lane returns the sender's lane id.
func (hdr *Header) Lane() uint8 {
	return uint8(binary.BigEndian.Uint64(hdr[4:12]) >> counterBits)
}

// Counter returns the frame's send counter.
func (hdr *Header) Counter() uint64 {
	return binary.BigEndian.Uint64(hdr[4:12]) & maxCounter
}

// Channel errors.
var (
	ErrNotEstablished = errors.New("network: channel not established")
	ErrInvalidNonce   = errors.New("network: invalid nonce")
	ErrAuthFailed     = errors.New("network: message authentication failed")
	ErrBadPeerShare   = errors.New("network: peer key share signature failed")
)

// signedShare is the handshake payload: an ephemeral public share bound
// to the two endpoints it keys.
type signedShare struct {
	Self basics.NodeID
	Peer basics.NodeID
	Pub  crypto.KeyExchangePublic
}

// ToBeHashed implements crypto.Hashable.
func (s signedShare) ToBeHashed() (protocol.HashID, []byte) {
	buf := make([]byte, 16, 16+crypto.KeyExchangePublicSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.Self))
	binary.BigEndian.PutUint64(buf[8:16], uint64(s.Peer))
	buf = append(buf, s.Pub[:]...)
	return protocol.PeerChannelKey, buf
}

// A Channel is the cryptographic state shared with one peer.  Multiple
// sender goroutines may share it: the send counter is a monotonic atomic,
// and receive acceptance runs on per-lane counters updated only after
// successful AEAD verification.
type Channel struct {
	log  logging.Logger
	self basics.NodeID
	peer basics.NodeID

	secrets *crypto.SignatureSecrets
	peerPK  crypto.SignatureVerifier

	mu    deadlock.Mutex
	state ChannelState
	kex   *crypto.KeyExchange
	aead  cipher.AEAD

	sendCounter atomic.Uint64

	// recvLanes maps a sender lane id to the last accepted counter.  Lane
	// ids are chosen by the sender's runtime; no density is assumed.
	recvMu    deadlock.Mutex
	recvLanes map[uint8]*atomic.Uint64
}

// MakeChannel starts a channel in the Initiated state with a fresh
// ephemeral key share.  peerPK is the peer's identity key registered in
// the nodes map, used to verify its share.
func MakeChannel(self, peer basics.NodeID, secrets *crypto.SignatureSecrets, peerPK crypto.SignatureVerifier, log logging.Logger) (*Channel, error) {
	kex, err := crypto.NewKeyExchange()
	if err != nil {
		return nil, err
	}
	return &Channel{
		log:       log.With("peer", peer),
		self:      self,
		peer:      peer,
		secrets:   secrets,
		peerPK:    peerPK,
		state:     Initiated,
		kex:       kex,
		recvLanes: make(map[uint8]*atomic.Uint64),
	}, nil
}

// State returns the channel's handshake state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the peer's node id.
func (c *Channel) Peer() basics.NodeID {
	return c.peer
}

// SignedPublic returns the local ephemeral share and its signature under
// the node identity key, for transmission to the peer.
func (c *Channel) SignedPublic() (crypto.KeyExchangePublic, crypto.Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pub := c.kex.Public()
	share := signedShare{Self: c.self, Peer: c.peer, Pub: pub}
	return pub, c.secrets.Sign(share)
}

// LoadPeerSignedPublic verifies the peer's channel public using the
// peer's registered identity key and, on success, derives the channel key
// and moves the channel to Established.  A failed verification leaves the
// channel state unchanged.
func (c *Channel) LoadPeerSignedPublic(pub crypto.KeyExchangePublic, sig crypto.Signature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	share := signedShare{Self: c.peer, Peer: c.self, Pub: pub}
	if !c.peerPK.Verify(share, sig) {
		metrics.AuthFailures.Inc()
		return ErrBadPeerShare
	}

	// Both endpoints derive the same key: the salt orders the pair by id.
	salt := make([]byte, 16)
	lo, hi := c.self, c.peer
	if lo > hi {
		lo, hi = hi, lo
	}
	binary.BigEndian.PutUint64(salt[0:8], uint64(lo))
	binary.BigEndian.PutUint64(salt[8:16], uint64(hi))
	key, err := c.kex.DeriveSharedKey(pub, salt, []byte("concord-channel-v1"))
	if err != nil {
		return err
	}
	c.aead = key.MakeAEAD()
	c.state = Established
	c.log.Infof("channel established")
	return nil
}

func (c *Channel) liveAEAD() (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Established {
		return nil, ErrNotEstablished
	}
	return c.aead, nil
}

func (c *Channel) nextIV(lane uint8) (Header, []byte, error) {
	counter := c.sendCounter.Add(1)
	if counter > maxCounter {
		return Header{}, nil, fmt.Errorf("network: send counter exhausted for peer %d", c.peer)
	}
	hdr := makeHeader(lane, counter, nil)
	return hdr, hdr.IV(), nil
}

// Tag computes an authentication tag over data that travels in the clear:
// the frame proves origin and freshness without hiding the payload.
func (c *Channel) Tag(lane uint8, aad []byte) (Header, error) {
	aead, err := c.liveAEAD()
	if err != nil {
		return Header{}, err
	}
	hdr, iv, err := c.nextIV(lane)
	if err != nil {
		return Header{}, err
	}
	tag := aead.Seal(nil, iv, nil, aad)
	copy(hdr[crypto.GCMNonceSize:], tag)
	return hdr, nil
}

// Encrypt seals a confidential payload, additionally authenticating aad.
func (c *Channel) Encrypt(lane uint8, aad, plain []byte) (Header, []byte, error) {
	aead, err := c.liveAEAD()
	if err != nil {
		return Header{}, nil, err
	}
	hdr, iv, err := c.nextIV(lane)
	if err != nil {
		return Header{}, nil, err
	}
	sealed := aead.Seal(nil, iv, plain, aad)
	cipherText := sealed[:len(sealed)-crypto.GCMTagSize]
	copy(hdr[crypto.GCMNonceSize:], sealed[len(sealed)-crypto.GCMTagSize:])
	return hdr, cipherText, nil
}

// Verify authenticates a tag-only frame and enforces the per-lane replay
// rule.  Failure leaves all counters unchanged.
func (c *Channel) Verify(hdr Header, aad []byte) error {
	_, err := c.open(hdr, aad, nil)
	return err
}

// Decrypt opens a confidential frame and enforces the per-lane replay
// rule.  Failure leaves all counters unchanged.
func (c *Channel) Decrypt(hdr Header, aad, cipherText []byte) ([]byte, error) {
	return c.open(hdr, aad, cipherText)
}

func (c *Channel) open(hdr Header, aad, cipherText []byte) ([]byte, error) {
	aead, err := c.liveAEAD()
	if err != nil {
		return nil, err
	}

	lane := hdr.Lane()
	counter := hdr.Counter()
	last := c.lane(lane)
	if counter <= last.Load() {
		metrics.ReplayRejections.Inc()
		return nil, ErrInvalidNonce
	}

	sealed := make([]byte, 0, len(cipherText)+crypto.GCMTagSize)
	sealed = append(sealed, cipherText...)
	sealed = append(sealed, hdr.Tag()...)
	plain, err := aead.Open(nil, hdr.IV(), sealed, aad)
	if err != nil {
		metrics.AuthFailures.Inc()
		return nil, ErrAuthFailed
	}

	// Advance the lane high-water mark only after authentication; a stale
	// frame racing a fresh one can only lose.
	for {
		prev := last.Load()
		if counter <= prev {
			metrics.ReplayRejections.Inc()
			return nil, ErrInvalidNonce
		}
		if last.CompareAndSwap(prev, counter) {
			break
		}
	}
	return plain, nil
}

func (c *Channel) lane(id uint8) *atomic.Uint64 {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	l, ok := c.recvLanes[id]
	if !ok {
		l = new(atomic.Uint64)
		c.recvLanes[id] = l
	}
	return l
}
