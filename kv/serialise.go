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
	"fmt"

	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/protocol"
)

// segment is one map's slice of a serialised entry.  Private segments
// carry Sealed instead of Writes when an encryptor is live; the segment's
// name and domain ride in the AEAD's additional data.
type segment struct {
	Name       string          `codec:"n"`
	Version    basics.Version  `codec:"v"`
	Domain     SecurityDomain  `codec:"d"`
	Replicated bool            `codec:"r"`
	Writes     []Write         `codec:"w,allocbound=-"`
	Sealed     []byte          `codec:"e"`
}

// entry is the serialised form of one committed transaction.  The
// outermost length prefix is the ledger's frame, so a reader can skip an
// entry without decoding it.
type entry struct {
	Version     basics.Version `codec:"v"`
	Term        basics.Term    `codec:"t"`
	Committable bool           `codec:"c"`
	Segments    []segment      `codec:"s,allocbound=-"`
}

// segmentAAD is the additional data authenticated with a sealed segment.
func segmentAAD(seg *segment) []byte {
	aad := make([]byte, 0, len(seg.Name)+8)
	aad = append(aad, seg.Name...)
	aad = append(aad, byte(seg.Domain))
	return aad
}

// encodeEntry serialises an entry, sealing private segments through the
// encryptor.
func encodeEntry(e *entry, enc Encryptor) []byte {
	id := basics.TxID{Term: e.Term, Version: e.Version}
	for i := range e.Segments {
		seg := &e.Segments[i]
		if seg.Domain != Private {
			continue
		}
		if _, null := enc.(NullEncryptor); null {
			continue
		}
		plain := protocol.Encode(seg.Writes)
		seg.Sealed = enc.Encrypt(id, segmentAAD(seg), plain)
		seg.Writes = nil
	}
	return protocol.Encode(e)
}

// decodeEntry parses a serialised entry and opens its sealed segments.
// When publicOnly is set, private segments are left sealed, with no
// writes, rather than decrypted.
func decodeEntry(data []byte, enc Encryptor, publicOnly bool) (*entry, error) {
	var e entry
	if err := protocol.Decode(data, &e); err != nil {
		return nil, fmt.Errorf("kv: undecodable entry: %w", err)
	}
	id := basics.TxID{Term: e.Term, Version: e.Version}
	for i := range e.Segments {
		seg := &e.Segments[i]
		if len(seg.Sealed) == 0 {
			continue
		}
		if seg.Domain != Private {
			return nil, fmt.Errorf("kv: sealed segment in %s map %q", seg.Domain, seg.Name)
		}
		if publicOnly {
			seg.Writes = nil
			continue
		}
		plain, err := enc.Decrypt(id, segmentAAD(seg), seg.Sealed)
		if err != nil {
			return nil, fmt.Errorf("kv: segment %q: %w", seg.Name, err)
		}
		var writes []Write
		if err := protocol.Decode(plain, &writes); err != nil {
			return nil, fmt.Errorf("kv: sealed segment %q body: %w", seg.Name, err)
		}
		seg.Writes = writes
		seg.Sealed = nil
	}
	return &e, nil
}

// EntryInfo peeks at a serialised entry's header without applying it:
// its transaction id and whether it is committable.  Used when replaying
// a ledger to rebuild consensus bookkeeping.
func EntryInfo(data []byte) (basics.TxID, bool, error) {
	var e entry
	if err := protocol.Decode(data, &e); err != nil {
		return basics.TxID{}, false, fmt.Errorf("kv: undecodable entry: %w", err)
	}
	return basics.TxID{Term: e.Term, Version: e.Version}, e.Committable, nil
}

// classify maps an applied entry to its ApplyResult by the well-known
// maps it writes.
func classify(e *entry) ApplyResult {
	for i := range e.Segments {
		if res, ok := classifiedMaps[e.Segments[i].Name]; ok {
			return res
		}
	}
	return ApplyPass
}
