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

package cft

import (
	"github.com/algorand/go-concord/data/basics"
)

// logEntry is one replicated log item with the term it was appended in.
type logEntry struct {
	Idx         basics.Version `codec:"i"`
	Term        basics.Term    `codec:"t"`
	Data        []byte         `codec:"d"`
	Committable bool           `codec:"c"`
}

// appendEntriesMsg replicates a batch of entries; an empty batch is a
// heartbeat.  The sender is the frame's authenticated NodeID.
type appendEntriesMsg struct {
	Term      basics.Term    `codec:"t"`
	PrevIdx   basics.Version `codec:"pi"`
	PrevTerm  basics.Term    `codec:"pt"`
	CommitIdx basics.Version `codec:"ci"`
	Entries   []logEntry     `codec:"e,allocbound=-"`
}

// appendEntriesRespMsg reports the follower's progress.  MatchIdx is the
// highest index known replicated when Success, and the resend hint
// otherwise.
type appendEntriesRespMsg struct {
	Term     basics.Term    `codec:"t"`
	Success  bool           `codec:"s"`
	MatchIdx basics.Version `codec:"m"`
}

// requestVoteMsg solicits a vote with the candidate's committable log
// position.
type requestVoteMsg struct {
	Term                basics.Term    `codec:"t"`
	LastCommittableIdx  basics.Version `codec:"li"`
	LastCommittableTerm basics.Term    `codec:"lt"`
}

// requestVoteRespMsg grants or refuses a vote in the given term.
type requestVoteRespMsg struct {
	Term    basics.Term `codec:"t"`
	Granted bool        `codec:"g"`
}

// statusMsg is the periodic heartbeat of progress between peers; a
// leader uses a lagging peer's status to rewind its send pointer.
type statusMsg struct {
	Term      basics.Term    `codec:"t"`
	LastIdx   basics.Version `codec:"li"`
	CommitIdx basics.Version `codec:"ci"`
}
