// Package hint implements the hint store: per-LBA hint lookup, an
// inode-to-class table, and a best-effort file-type classifier. The
// store is a flat list scanned under one mutex; entries mutate in place
// and are removed once fully consumed.
package hint

import (
	"bytes"
	"sync"
)

// Flag bits carried by a hint; an engine consumes only the flags it
// declares.
type Flag uint32

const (
	FlagSwap    Flag = 1 << 0
	FlagIoctl   Flag = 1 << 1
	FlagLatency Flag = 1 << 2
	FlagPack    Flag = 1 << 3
)

// Class is the best-effort file-type classification.
type Class int

const (
	ClassUnknown Class = iota
	ClassSlowVideo
	ClassDBIndex
)

// Info is one hint entry.
type Info struct {
	Ino       uint64
	StartLBA  int64
	Count     int64
	Class     Class
	IsWrite   bool
	Flags     Flag
	processed int64
}

// matches reports whether the hint applies to L given the direction and
// the engine's enabled flag set.
func (h *Info) matches(l int64, isWrite bool, engineFlags Flag) bool {
	if h.IsWrite != isWrite {
		return false
	}
	if l < h.StartLBA || l >= h.StartLBA+h.Count {
		return false
	}
	return h.Flags&engineFlags != 0
}

// Store is the global hint list, guarded by one lock.
type Store struct {
	mu    sync.Mutex
	items []*Info

	inodeClass map[uint64]Class
}

// NewStore creates an empty hint store.
func NewStore() *Store {
	return &Store{inodeClass: make(map[uint64]Class)}
}

// Send appends a hint after filtering by the active engine's flag set.
// Unsupported flags and malformed hints are dropped.
func (s *Store) Send(h Info, engineFlags Flag) bool {
	if h.Count <= 0 || h.Flags&engineFlags == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := h
	s.items = append(s.items, &cp)
	return true
}

// Find scans the hint list for a match against l, consuming one unit of
// processed progress on a hit, and removing the hint once it is fully
// consumed. It returns nil when nothing matches.
func (s *Store) Find(l int64, isWrite bool, engineFlags Flag) *Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.items {
		if h.matches(l, isWrite, engineFlags) {
			h.processed++
			if h.processed >= h.Count {
				s.items = append(s.items[:i], s.items[i+1:]...)
			}
			out := *h
			return &out
		}
	}
	return nil
}

// Len reports the number of live hints, for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// SetInodeClass records the classification for an inode. Apply calls it
// for hint payloads that carry a class; InodeClass reads it back.
func (s *Store) SetInodeClass(ino uint64, c Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inodeClass[ino] = c
}

func (s *Store) InodeClass(ino uint64) Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inodeClass[ino]
}

// ftypSignature is the "ftyp" ISO-BMFF box tag; files that open with it
// are classified as slow-video.
var ftypSignature = []byte("ftyp")

// dbIndexSignature is a stand-in two-byte magic for a database-index page
// format; real signatures vary by engine and are intentionally not
// pinned to one product's on-disk format here.
var dbIndexSignature = []byte{0xDB, 0x1D}

// ClassifyFirstPage is the best-effort classifier: it inspects
// the first bytes of a page written to the first sector of a file.
func ClassifyFirstPage(page []byte) Class {
	if len(page) >= 8 && bytes.Equal(page[4:8], ftypSignature) {
		return ClassSlowVideo
	}
	if len(page) >= 2 && bytes.Equal(page[0:2], dbIndexSignature) {
		return ClassDBIndex
	}
	return ClassUnknown
}
