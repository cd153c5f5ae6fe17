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

package basics

import (
	"strconv"

	"github.com/algorand/go-concord/crypto"
)

// NodeInfo is one replica's identity as recorded in the nodes map: its
// id, channel endpoint and identity verification key.  Channel ephemeral
// keys are certified by SignPK during the handshake.
type NodeInfo struct {
	ID      NodeID                   `codec:"id"`
	Address string                   `codec:"addr"`
	SignPK  crypto.SignatureVerifier `codec:"spk"`
}

// NodeKey is the nodes-map key under which a NodeInfo is stored.
func NodeKey(id NodeID) string {
	return strconv.FormatUint(uint64(id), 10)
}
