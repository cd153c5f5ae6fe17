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

package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/protocol"
	"github.com/algorand/go-concord/util/metrics"
)

// maxFrameSize bounds one wire frame; anything larger is treated as
// malformed and the connection dropped.
const maxFrameSize = 32 * 1024 * 1024

// frame wire layout, after the 4-byte big-endian length:
//
//	tag(1) | sender(8) | header(28) | body
//
// Key-exchange tags carry no header: there is no channel key yet.  The
// AAD of every protected frame is tag|sender|body for tag-only frames and
// tag|sender for confidential ones.

// Handler receives authenticated application messages.
type Handler interface {
	HandleMessage(tag protocol.Tag, sender basics.NodeID, data []byte)
}

// Resolver looks up a peer's registered identity and address, normally
// backed by the nodes map.
type Resolver func(peer basics.NodeID) (basics.NodeInfo, bool)

// Network runs the TCP transport: it listens for inbound connections,
// dials peers on demand, completes channel handshakes, and hands verified
// messages to the Handler.
type Network struct {
	log      logging.Logger
	self     basics.NodeID
	channels *ChannelManager
	resolve  Resolver
	handler  Handler

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup

	listener net.Listener

	mu    deadlock.Mutex
	conns map[basics.NodeID]*peerConn
}

type peerConn struct {
	writeMu deadlock.Mutex
	conn    net.Conn
}

// handshakeMsg is the cleartext body of KeyExchange frames.
type handshakeMsg struct {
	Pub crypto.KeyExchangePublic `codec:"p"`
	Sig crypto.Signature         `codec:"s"`
}

// MakeNetwork creates the transport for one node.
func MakeNetwork(self basics.NodeID, channels *ChannelManager, resolve Resolver, handler Handler, log logging.Logger) *Network {
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		log:       log,
		self:      self,
		channels:  channels,
		resolve:   resolve,
		handler:   handler,
		ctx:       ctx,
		ctxCancel: cancel,
		conns:     make(map[basics.NodeID]*peerConn),
	}
}

// Start begins accepting inbound connections on addr; empty addr disables
// listening (outbound-only node).
func (n *Network) Start(addr string) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", addr, err)
	}
	n.listener = ln
	n.wg.Add(1)
	go n.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address, if any.
func (n *Network) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Stop closes the listener and every connection and waits for the read
// loops to drain.
func (n *Network) Stop() {
	n.ctxCancel()
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	for _, pc := range n.conns {
		pc.conn.Close()
	}
	n.conns = make(map[basics.NodeID]*peerConn)
	n.mu.Unlock()
	n.wg.Wait()
}

// Connect ensures a connection and an initiated handshake with peer.
func (n *Network) Connect(peer basics.NodeID) error {
	if peer == n.self {
		return nil
	}
	info, ok := n.resolve(peer)
	if !ok {
		return fmt.Errorf("network: unknown peer %d", peer)
	}
	ch, err := n.channels.GetOrCreate(peer, info.SignPK)
	if err != nil {
		return err
	}
	if _, err := n.getConn(peer, info.Address); err != nil {
		return err
	}
	pub, sig := ch.SignedPublic()
	return n.sendRaw(peer, protocol.KeyExchangeInitTag, protocol.Encode(&handshakeMsg{Pub: pub, Sig: sig}))
}

// Send transmits an application message to peer over its established
// channel.  Confidential tags are encrypted; the rest travel
// authenticated in the clear.
func (n *Network) Send(peer basics.NodeID, tag protocol.Tag, data []byte) error {
	ch := n.channels.Get(peer)
	if ch == nil || ch.State() != Established {
		return ErrNotEstablished
	}

	const lane = 0
	prefix := framePrefix(tag, n.self)
	if tag.Confidential() {
		hdr, cipherText, err := ch.Encrypt(lane, prefix, data)
		if err != nil {
			return err
		}
		return n.writeFrame(peer, tag, hdr[:], cipherText)
	}
	aad := append(append([]byte{}, prefix...), data...)
	hdr, err := ch.Tag(lane, aad)
	if err != nil {
		return err
	}
	return n.writeFrame(peer, tag, hdr[:], data)
}

// Broadcast sends to every peer with an established channel; per-peer
// failures are logged, not returned.
func (n *Network) Broadcast(tag protocol.Tag, data []byte) {
	for _, peer := range n.channels.Peers() {
		if err := n.Send(peer, tag, data); err != nil && !errors.Is(err, ErrNotEstablished) {
			n.log.Warnf("broadcast %v to %d: %v", tag, peer, err)
		}
	}
}

// Disconnect drops the connection and channel state for a departed peer.
func (n *Network) Disconnect(peer basics.NodeID) {
	n.mu.Lock()
	if pc, ok := n.conns[peer]; ok {
		pc.conn.Close()
		delete(n.conns, peer)
	}
	n.mu.Unlock()
	n.channels.Close(peer)
}

func framePrefix(tag protocol.Tag, sender basics.NodeID) []byte {
	prefix := make([]byte, 9)
	prefix[0] = byte(tag)
	binary.BigEndian.PutUint64(prefix[1:9], uint64(sender))
	return prefix
}

func (n *Network) sendRaw(peer basics.NodeID, tag protocol.Tag, body []byte) error {
	return n.writeFrame(peer, tag, nil, body)
}

func (n *Network) writeFrame(peer basics.NodeID, tag protocol.Tag, hdr, body []byte) error {
	n.mu.Lock()
	pc, ok := n.conns[peer]
	n.mu.Unlock()
	if !ok {
		info, found := n.resolve(peer)
		if !found {
			return fmt.Errorf("network: unknown peer %d", peer)
		}
		var err error
		pc, err = n.getConn(peer, info.Address)
		if err != nil {
			return err
		}
	}

	frame := make([]byte, 0, 4+9+len(hdr)+len(body))
	frame = append(frame, 0, 0, 0, 0)
	frame = append(frame, framePrefix(tag, n.self)...)
	frame = append(frame, hdr...)
	frame = append(frame, body...)
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(frame)-4))

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.conn.Write(frame); err != nil {
		n.dropConn(peer, pc)
		return fmt.Errorf("network: write to %d: %w", peer, err)
	}
	return nil
}

func (n *Network) getConn(peer basics.NodeID, addr string) (*peerConn, error) {
	n.mu.Lock()
	if pc, ok := n.conns[peer]; ok {
		n.mu.Unlock()
		return pc, nil
	}
	n.mu.Unlock()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("network: dial %d at %s: %w", peer, addr, err)
	}

	n.mu.Lock()
	if pc, ok := n.conns[peer]; ok {
		// lost the race; keep the established connection
		n.mu.Unlock()
		conn.Close()
		return pc, nil
	}
	pc := &peerConn{conn: conn}
	n.conns[peer] = pc
	n.mu.Unlock()

	n.wg.Add(1)
	go n.readLoop(conn, peer)
	return pc, nil
}

func (n *Network) dropConn(peer basics.NodeID, pc *peerConn) {
	n.mu.Lock()
	if cur, ok := n.conns[peer]; ok && cur == pc {
		delete(n.conns, peer)
	}
	n.mu.Unlock()
	pc.conn.Close()
}

func (n *Network) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if n.ctx.Err() == nil {
				n.log.Warnf("accept: %v", err)
			}
			return
		}
		n.wg.Add(1)
		go n.readLoop(conn, basics.NoNode)
	}
}

// readLoop decodes frames from one connection.  peer is NoNode for
// inbound connections until the first frame names the sender.
func (n *Network) readLoop(conn net.Conn, peer basics.NodeID) {
	defer n.wg.Done()
	defer conn.Close()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				n.log.Debugf("read: %v", err)
			}
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size < 9 || size > maxFrameSize {
			metrics.MalformedMessagesDropped.Inc()
			n.log.Warnf("dropping connection: bad frame size %d", size)
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		tag := protocol.Tag(frame[0])
		sender := basics.NodeID(binary.BigEndian.Uint64(frame[1:9]))
		if !tag.Valid() {
			metrics.MalformedMessagesDropped.Inc()
			continue
		}
		if peer == basics.NoNode {
			peer = sender
			n.adoptConn(peer, conn)
		}
		if sender != peer {
			metrics.MalformedMessagesDropped.Inc()
			continue
		}
		n.dispatch(tag, sender, frame[9:])
	}
}

// adoptConn registers an inbound connection for outbound use once the
// peer is known.
func (n *Network) adoptConn(peer basics.NodeID, conn net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[peer]; !ok {
		n.conns[peer] = &peerConn{conn: conn}
	}
}

func (n *Network) dispatch(tag protocol.Tag, sender basics.NodeID, rest []byte) {
	switch tag {
	case protocol.KeyExchangeInitTag, protocol.KeyExchangeResponseTag:
		n.handleKeyExchange(tag, sender, rest)
		return
	case protocol.KeyExchangeFinalTag:
		// A tag-only probe under the fresh key; verification doubles as
		// the peer's establishment confirmation.
	}

	ch := n.channels.Get(sender)
	if ch == nil {
		metrics.MalformedMessagesDropped.Inc()
		return
	}
	if len(rest) < HeaderSize {
		metrics.MalformedMessagesDropped.Inc()
		return
	}
	var hdr Header
	copy(hdr[:], rest[:HeaderSize])
	body := rest[HeaderSize:]

	prefix := framePrefix(tag, sender)
	if tag.Confidential() {
		plain, err := ch.Decrypt(hdr, prefix, body)
		if err != nil {
			n.log.Warnf("reject %v from %d: %v", tag, sender, err)
			return
		}
		body = plain
	} else {
		aad := append(append([]byte{}, prefix...), body...)
		if err := ch.Verify(hdr, aad); err != nil {
			n.log.Warnf("reject %v from %d: %v", tag, sender, err)
			return
		}
	}
	if tag == protocol.KeyExchangeFinalTag {
		return
	}
	if n.handler != nil {
		n.handler.HandleMessage(tag, sender, body)
	}
}

func (n *Network) handleKeyExchange(tag protocol.Tag, sender basics.NodeID, body []byte) {
	var msg handshakeMsg
	if err := protocol.Decode(body, &msg); err != nil {
		metrics.MalformedMessagesDropped.Inc()
		return
	}
	info, ok := n.resolve(sender)
	if !ok {
		n.log.Warnf("key exchange from unknown peer %d", sender)
		return
	}
	ch, err := n.channels.GetOrCreate(sender, info.SignPK)
	if err != nil {
		n.log.Warnf("key exchange with %d: %v", sender, err)
		return
	}

	alreadyEstablished := ch.State() == Established
	if err := ch.LoadPeerSignedPublic(msg.Pub, msg.Sig); err != nil {
		n.log.Warnf("key exchange with %d: %v", sender, err)
		return
	}

	switch tag {
	case protocol.KeyExchangeInitTag:
		pub, sig := ch.SignedPublic()
		resp := protocol.Encode(&handshakeMsg{Pub: pub, Sig: sig})
		if err := n.sendRaw(sender, protocol.KeyExchangeResponseTag, resp); err != nil {
			n.log.Warnf("key exchange response to %d: %v", sender, err)
		}
	case protocol.KeyExchangeResponseTag:
		if !alreadyEstablished {
			if hdr, err := ch.Tag(0, framePrefix(protocol.KeyExchangeFinalTag, n.self)); err == nil {
				n.writeFrame(sender, protocol.KeyExchangeFinalTag, hdr[:], nil)
			}
		}
	}
}
