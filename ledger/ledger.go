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

// Package ledger implements the append-only, size-chunked file set
// persisting serialised transactions.  It is the only persistent state of
// a replica: kv contents, consensus volatile state and the Merkle history
// are all rebuilt by replaying it.
package ledger

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/algorand/go-deadlock"
	"github.com/gofrs/flock"

	"github.com/algorand/go-concord/data/basics"
	"github.com/algorand/go-concord/logging"
	"github.com/algorand/go-concord/util/metrics"
)

// Frame layout: 4-byte big-endian payload length, 1 flag byte, payload.
const frameHeaderSize = 5

const flagCommittable = 0x01

// lockFilename guards the directory against a second writer process.
const lockFilename = "ledger.lock"

var activeChunkPattern = regexp.MustCompile(`^chunk_([0-9]+)$`)
var committedChunkPattern = regexp.MustCompile(`^chunk_([0-9]+)_([0-9]+)\.committed$`)

// chunk is one file of the ledger directory.
type chunk struct {
	first     basics.Version // index of the first entry
	last      basics.Version // index of the last entry, 0 while active
	size      uint64         // sum of payload sizes
	committed bool
}

func (c *chunk) name() string {
	if c.committed {
		return fmt.Sprintf("chunk_%d_%d.committed", c.first, c.last)
	}
	return fmt.Sprintf("chunk_%d", c.first)
}

// entryPos locates one entry inside its chunk file.
type entryPos struct {
	chunk  int
	offset int64
	size   uint32
}

// Ledger is a framed, chunked, append-only log rooted at a directory.
// Entries are written at contiguous indices starting at 1.
type Ledger struct {
	mu  deadlock.Mutex
	log logging.Logger

	dir       string
	threshold uint64
	dirLock   *flock.Flock

	chunks  []chunk
	entries []entryPos // entries[i] holds index i+1

	active *os.File // file of the last (active) chunk, nil when none

	committedIdx basics.Version
}

// Open opens or creates a ledger directory.  The directory is flocked:
// a second writer process is refused.
func Open(dir string, chunkThreshold uint64, log logging.Logger) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ledger: creating %s: %w", dir, err)
	}
	dirLock := flock.New(filepath.Join(dir, lockFilename))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("ledger: locking %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("ledger: directory %s is locked by another process", dir)
	}

	l := &Ledger{
		log:       log,
		dir:       dir,
		threshold: chunkThreshold,
		dirLock:   dirLock,
	}
	if err := l.scan(); err != nil {
		dirLock.Unlock()
		return nil, err
	}
	return l, nil
}

// Close releases the active chunk and the directory lock.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		l.active.Close()
		l.active = nil
	}
	return l.dirLock.Unlock()
}

// scan rebuilds the chunk list and entry index from the directory.
func (l *Ledger) scan() error {
	names, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("ledger: reading %s: %w", l.dir, err)
	}
	for _, de := range names {
		name := de.Name()
		if m := committedChunkPattern.FindStringSubmatch(name); m != nil {
			first, _ := strconv.ParseUint(m[1], 10, 64)
			last, _ := strconv.ParseUint(m[2], 10, 64)
			l.chunks = append(l.chunks, chunk{first: basics.Version(first), last: basics.Version(last), committed: true})
		} else if m := activeChunkPattern.FindStringSubmatch(name); m != nil {
			first, _ := strconv.ParseUint(m[1], 10, 64)
			l.chunks = append(l.chunks, chunk{first: basics.Version(first)})
		} else if name != lockFilename {
			l.log.Warnf("ledger: ignoring unrecognised file %s", name)
		}
	}
	sort.Slice(l.chunks, func(i, j int) bool { return l.chunks[i].first < l.chunks[j].first })

	for ci := range l.chunks {
		if err := l.scanChunk(ci); err != nil {
			return err
		}
	}
	for ci := range l.chunks {
		if l.chunks[ci].committed && l.chunks[ci].last > l.committedIdx {
			l.committedIdx = l.chunks[ci].last
		}
	}
	if n := len(l.chunks); n > 0 && !l.chunks[n-1].committed {
		f, err := os.OpenFile(filepath.Join(l.dir, l.chunks[n-1].name()), os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("ledger: reopening active chunk: %w", err)
		}
		l.active = f
	}
	return nil
}

func (l *Ledger) scanChunk(ci int) error {
	c := &l.chunks[ci]
	path := filepath.Join(l.dir, c.name())
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	defer f.Close()

	if want := basics.Version(len(l.entries)) + 1; c.first != want {
		return fmt.Errorf("ledger: chunk %s does not continue at index %d", c.name(), want)
	}

	var offset int64
	hdr := make([]byte, frameHeaderSize)
	for {
		_, err := io.ReadFull(f, hdr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("ledger: truncated frame header in %s: %w", path, err)
		}
		size := binary.BigEndian.Uint32(hdr[0:4])
		if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
			return fmt.Errorf("ledger: truncated frame in %s: %w", path, err)
		}
		l.entries = append(l.entries, entryPos{chunk: ci, offset: offset, size: size})
		c.size += uint64(size)
		offset += frameHeaderSize + int64(size)
	}
	if !c.committed {
		c.last = 0
	} else if c.last != basics.Version(len(l.entries)) {
		return fmt.Errorf("ledger: chunk %s claims last index %d, holds %d", c.name(), c.last, len(l.entries))
	}
	return nil
}

// LastIndex returns the index of the most recently appended entry.
func (l *Ledger) LastIndex() basics.Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	return basics.Version(len(l.entries))
}

// CommittedIndex returns the durable commit boundary.
func (l *Ledger) CommittedIndex() basics.Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committedIdx
}

// PutEntry appends a length-prefixed frame at the next index.  A new
// chunk is opened first when the active chunk has exceeded the threshold
// and the entry is committable; a committable entry appended with
// forceChunk seals the chunk behind it.
func (l *Ledger) PutEntry(data []byte, committable bool, forceChunk bool) (basics.Version, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := basics.Version(len(l.entries)) + 1

	if l.activeChunk() != nil && committable && l.activeChunk().size >= l.threshold {
		if err := l.sealActiveLocked(); err != nil {
			return 0, err
		}
	}
	if l.activeChunk() == nil {
		if err := l.openChunkLocked(idx); err != nil {
			return 0, err
		}
	}

	var flags byte
	if committable {
		flags |= flagCommittable
	}
	hdr := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	hdr[4] = flags

	c := l.activeChunk()
	offset := int64(0)
	if fi, err := l.active.Stat(); err == nil {
		offset = fi.Size()
	}
	if _, err := l.active.Write(hdr); err != nil {
		return 0, fmt.Errorf("ledger: appending frame header: %w", err)
	}
	if _, err := l.active.Write(data); err != nil {
		return 0, fmt.Errorf("ledger: appending frame: %w", err)
	}

	l.entries = append(l.entries, entryPos{chunk: len(l.chunks) - 1, offset: offset, size: uint32(len(data))})
	c.size += uint64(len(data))
	metrics.LedgerBytesWritten.Add(float64(len(data)))

	if committable && forceChunk {
		if err := l.sealActiveLocked(); err != nil {
			return 0, err
		}
	}
	return idx, nil
}

// GetEntry returns the payload bytes appended at idx.
func (l *Ledger) GetEntry(idx basics.Version) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getEntryLocked(idx)
}

func (l *Ledger) getEntryLocked(idx basics.Version) ([]byte, error) {
	if idx == 0 || idx > basics.Version(len(l.entries)) {
		return nil, fmt.Errorf("ledger: no entry at index %d", idx)
	}
	pos := l.entries[idx-1]
	path := filepath.Join(l.dir, l.chunks[pos.chunk].name())
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	defer f.Close()
	data := make([]byte, pos.size)
	if _, err := f.ReadAt(data, pos.offset+frameHeaderSize); err != nil {
		return nil, fmt.Errorf("ledger: reading entry %d: %w", idx, err)
	}
	return data, nil
}

// Truncate removes all entries with index > v; the chunk containing v
// becomes (or remains) the active chunk.
func (l *Ledger) Truncate(v basics.Version) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v < l.committedIdx {
		l.log.Panicf("ledger: truncate(%d) below committed index %d", v, l.committedIdx)
	}
	if v >= basics.Version(len(l.entries)) {
		return nil
	}

	if l.active != nil {
		l.active.Close()
		l.active = nil
	}

	// Drop whole chunks past v.
	for len(l.chunks) > 0 {
		c := &l.chunks[len(l.chunks)-1]
		if c.first <= v {
			break
		}
		if err := os.Remove(filepath.Join(l.dir, c.name())); err != nil {
			return fmt.Errorf("ledger: removing %s: %w", c.name(), err)
		}
		l.chunks = l.chunks[:len(l.chunks)-1]
	}

	l.entries = l.entries[:v]

	if len(l.chunks) > 0 {
		ci := len(l.chunks) - 1
		c := &l.chunks[ci]
		// The surviving tail chunk is truncated to v and reopened active.
		if c.committed {
			// A committed chunk never holds entries above the commit
			// point, so it survives intact.
			return nil
		}
		end := int64(0)
		size := uint64(0)
		for i := c.first; i <= v; i++ {
			pos := l.entries[i-1]
			end = pos.offset + frameHeaderSize + int64(pos.size)
			size += uint64(pos.size)
		}
		path := filepath.Join(l.dir, c.name())
		if err := os.Truncate(path, end); err != nil {
			return fmt.Errorf("ledger: truncating %s: %w", path, err)
		}
		c.size = size
		c.last = 0
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("ledger: reopening %s: %w", path, err)
		}
		l.active = f
	}
	return nil
}

// Commit marks the durable commit boundary.  Sealed chunks entirely at or
// below v are renamed to expose their version range to consumers.
func (l *Ledger) Commit(v basics.Version) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v > basics.Version(len(l.entries)) {
		v = basics.Version(len(l.entries))
	}
	if v <= l.committedIdx {
		return nil
	}
	l.committedIdx = v

	for ci := range l.chunks {
		c := &l.chunks[ci]
		if c.committed {
			continue
		}
		if l.active != nil && ci == len(l.chunks)-1 {
			// The active chunk is never renamed out from under the writer.
			continue
		}
		last := l.chunkLast(ci)
		if last > v {
			continue
		}
		oldPath := filepath.Join(l.dir, c.name())
		c.last = last
		c.committed = true
		if err := os.Rename(oldPath, filepath.Join(l.dir, c.name())); err != nil {
			c.committed = false
			return fmt.Errorf("ledger: committing chunk: %w", err)
		}
	}
	return nil
}

// Init restarts the ledger from a known last index, discarding any
// trailing entries (used on join or recovery).
func (l *Ledger) Init(v basics.Version) error {
	l.mu.Lock()
	held := l.committedIdx
	l.mu.Unlock()
	if v < held {
		return fmt.Errorf("ledger: init(%d) below committed index %d", v, held)
	}
	return l.Truncate(v)
}

// ForEachCommitted replays the payloads of entries 1..committedIdx in
// order; used to rebuild state on restart.
func (l *Ledger) ForEachCommitted(fn func(idx basics.Version, data []byte) error) error {
	l.mu.Lock()
	last := l.committedIdx
	l.mu.Unlock()
	for idx := basics.Version(1); idx <= last; idx++ {
		data, err := l.GetEntry(idx)
		if err != nil {
			return err
		}
		if err := fn(idx, data); err != nil {
			return err
		}
	}
	return nil
}

// activeChunk returns the trailing chunk if it is still active.
func (l *Ledger) activeChunk() *chunk {
	if l.active == nil {
		return nil
	}
	return &l.chunks[len(l.chunks)-1]
}

// chunkLast returns the index of the last entry currently inside chunk ci.
func (l *Ledger) chunkLast(ci int) basics.Version {
	if ci+1 < len(l.chunks) {
		return l.chunks[ci+1].first - 1
	}
	return basics.Version(len(l.entries))
}

// sealActiveLocked closes the active chunk; it will be renamed at commit.
func (l *Ledger) sealActiveLocked() error {
	c := l.activeChunk()
	if c == nil {
		return nil
	}
	c.last = l.chunkLast(len(l.chunks) - 1)
	if err := l.active.Close(); err != nil {
		return fmt.Errorf("ledger: sealing chunk: %w", err)
	}
	l.active = nil
	if c.last == 0 {
		// Empty active chunk: drop the file instead of sealing nothing.
		err := os.Remove(filepath.Join(l.dir, c.name()))
		l.chunks = l.chunks[:len(l.chunks)-1]
		return err
	}
	return nil
}

func (l *Ledger) openChunkLocked(first basics.Version) error {
	l.chunks = append(l.chunks, chunk{first: first})
	c := &l.chunks[len(l.chunks)-1]
	f, err := os.OpenFile(filepath.Join(l.dir, c.name()), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		l.chunks = l.chunks[:len(l.chunks)-1]
		return fmt.Errorf("ledger: opening chunk at %d: %w", first, err)
	}
	l.active = f
	return nil
}
