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

package protocol

// HashID is a domain separation prefix for an object that might be hashed.
// This ensures, for example, that a signature on a ledger entry can never
// be confused with a signature on a vote.
type HashID string

// Hash IDs for specific object types, in lexicographic order.
const (
	LedgerEntry     HashID = "LE"
	MerkleLeaf      HashID = "ML"
	MerkleNode      HashID = "MN"
	Message         HashID = "MSG"
	NonceCommitment HashID = "NC"
	PeerChannelKey  HashID = "PCK"
	PrePrepareBatch HashID = "PPB"
	StateRootSig    HashID = "SRS"
	ViewChangeSig   HashID = "VCS"
)
