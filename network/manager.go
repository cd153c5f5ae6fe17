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
	"github.com/algorand/go-deadlock"

	"github.com/algorand/go-concord/crypto"
	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/logging"
)

// ChannelManager owns the per-peer channels.  Channels are lent by
// reference and closed when a peer leaves the configuration.
type ChannelManager struct {
	mu       deadlock.Mutex
	log      logging.Logger
	self     basics.NodeID
	secrets  *crypto.SignatureSecrets
	channels map[basics.NodeID]*Channel
}

// MakeChannelManager creates an empty manager for one node identity.
func MakeChannelManager(self basics.NodeID, secrets *crypto.SignatureSecrets, log logging.Logger) *ChannelManager {
	return &ChannelManager{
		log:      log,
		self:     self,
		secrets:  secrets,
		channels: make(map[basics.NodeID]*Channel),
	}
}

// GetOrCreate returns the channel to peer, creating it in the Initiated
// state when absent.  peerPK is required on creation.
func (cm *ChannelManager) GetOrCreate(peer basics.NodeID, peerPK crypto.SignatureVerifier) (*Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.channels[peer]; ok {
		return c, nil
	}
	c, err := MakeChannel(cm.self, peer, cm.secrets, peerPK, cm.log)
	if err != nil {
		return nil, err
	}
	cm.channels[peer] = c
	return c, nil
}

// Get returns the channel to peer, or nil.
func (cm *ChannelManager) Get(peer basics.NodeID) *Channel {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.channels[peer]
}

// Close destroys the channel to a departed peer; a later GetOrCreate
// starts a fresh handshake.
func (cm *ChannelManager) Close(peer basics.NodeID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.channels[peer]; ok {
		cm.log.Infof("closing channel to %d", peer)
		delete(cm.channels, peer)
	}
}

// CloseAll drops every channel.
func (cm *ChannelManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.channels = make(map[basics.NodeID]*Channel)
}

// Peers lists the peers with live channel state.
func (cm *ChannelManager) Peers() []basics.NodeID {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]basics.NodeID, 0, len(cm.channels))
	for id := range cm.channels {
		out = append(out, id)
	}
	return out
}
