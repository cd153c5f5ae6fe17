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

import "fmt"

// Tag identifies the type of a replication message.  Every frame on a
// node-to-node channel begins with the tag byte followed by the sender's
// NodeID.  The numeric values are part of the wire format and must never
// be reordered.
type Tag uint8

// Tags, grouped by protocol.  Values are stable on the wire.
const (
	UnknownTag Tag = 0

	// Leader-based replication.
	AppendEntriesTag         Tag = 1
	AppendEntriesResponseTag Tag = 2
	RequestVoteTag           Tag = 3
	RequestVoteResponseTag   Tag = 4

	// Byzantine ordering phases.
	RequestTag    Tag = 10
	ReplyTag      Tag = 11
	PrePrepareTag Tag = 12
	PrepareTag    Tag = 13
	CommitTag     Tag = 14
	CheckpointTag Tag = 15

	// Byzantine view change.
	ViewChangeTag    Tag = 20
	NewViewTag       Tag = 21
	ViewChangeAckTag Tag = 22

	// Byzantine state transfer.
	FetchTag       Tag = 30
	MetaDataTag    Tag = 31
	MetaDataDTag   Tag = 32
	DataTag        Tag = 33
	QueryStableTag Tag = 34
	ReplyStableTag Tag = 35

	// Membership.
	NewPrincipalTag       Tag = 40
	NetworkOpenTag        Tag = 41
	StateAppendEntriesTag Tag = 42

	// Signed-response extensions.
	SignedAppendEntriesResponseTag Tag = 50
	SignaturesReceivedAckTag       Tag = 51
	NonceRevealTag                 Tag = 52
	StatusTag                      Tag = 53

	// Channel establishment.  Key-exchange frames ride the same transport
	// but bypass AEAD (there is no key yet).
	KeyExchangeInitTag     Tag = 60
	KeyExchangeResponseTag Tag = 61
	KeyExchangeFinalTag    Tag = 62
)

var tagNames = map[Tag]string{
	AppendEntriesTag:               "AppendEntries",
	AppendEntriesResponseTag:       "AppendEntriesResponse",
	RequestVoteTag:                 "RequestVote",
	RequestVoteResponseTag:         "RequestVoteResponse",
	RequestTag:                     "Request",
	ReplyTag:                       "Reply",
	PrePrepareTag:                  "PrePrepare",
	PrepareTag:                     "Prepare",
	CommitTag:                      "Commit",
	CheckpointTag:                  "Checkpoint",
	ViewChangeTag:                  "ViewChange",
	NewViewTag:                     "NewView",
	ViewChangeAckTag:               "ViewChangeAck",
	FetchTag:                       "Fetch",
	MetaDataTag:                    "MetaData",
	MetaDataDTag:                   "MetaDataD",
	DataTag:                        "Data",
	QueryStableTag:                 "QueryStable",
	ReplyStableTag:                 "ReplyStable",
	NewPrincipalTag:                "NewPrincipal",
	NetworkOpenTag:                 "NetworkOpen",
	StateAppendEntriesTag:          "StateAppendEntries",
	SignedAppendEntriesResponseTag: "SignedAppendEntriesResponse",
	SignaturesReceivedAckTag:       "SignaturesReceivedAck",
	NonceRevealTag:                 "NonceReveal",
	StatusTag:                      "Status",
	KeyExchangeInitTag:             "KeyExchangeInit",
	KeyExchangeResponseTag:         "KeyExchangeResponse",
	KeyExchangeFinalTag:            "KeyExchangeFinal",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Valid reports whether t is a tag this implementation dispatches.
func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// Confidential reports whether the body of a frame carrying this tag is
// encrypted on the wire.  Ordering messages are public but
// integrity-protected; ledger entry payloads inside AppendEntries frames
// carry their own map-level encryption, so the frame itself stays in the
// authenticated-plaintext path.
func (t Tag) Confidential() bool {
	switch t {
	case RequestTag, ReplyTag:
		return true
	default:
		return false
	}
}
