package appendlog

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/downfa11-org/mmq/pkg/disk"
)

type indexEntry struct {
	offset uint64
	seq    uint64
}

// sparseIndex maps a record boundary every interval bytes to its sequence.
// Adders serialize on mu; lookups load the published slice without locking.
// Published elements are never modified, so a reader holding an older slice
// header stays consistent.
type sparseIndex struct {
	interval uint64
	mu       sync.Mutex
	entries  atomic.Pointer[[]indexEntry]
}

func newSparseIndex(interval, baseOffset, baseSeq uint64) *sparseIndex {
	x := &sparseIndex{interval: interval}
	entries := []indexEntry{{offset: baseOffset, seq: baseSeq}}
	x.entries.Store(&entries)
	return x
}

func (x *sparseIndex) load() []indexEntry {
	return *x.entries.Load()
}

// add records (offset, seq) if offset is at least interval past the last entry.
func (x *sparseIndex) add(offset, seq uint64) {
	entries := x.load()
	if offset < entries[len(entries)-1].offset+x.interval {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	entries = x.load()
	if offset < entries[len(entries)-1].offset+x.interval {
		return
	}
	entries = append(entries, indexEntry{offset: offset, seq: seq})
	x.entries.Store(&entries)
}

// floor returns the last entry at or before offset.
func (x *sparseIndex) floor(offset uint64) indexEntry {
	entries := x.load()
	i := sort.Search(len(entries), func(i int) bool { return entries[i].offset > offset })
	if i == 0 {
		return entries[0]
	}
	return entries[i-1]
}

func (x *sparseIndex) len() int { return len(x.load()) }

type entry struct {
	seg   *disk.Segment
	index *sparseIndex
}

func newEntry(seg *disk.Segment, interval uint64) *entry {
	return &entry{seg: seg, index: newSparseIndex(interval, seg.BaseOffset(), seg.BaseSequence())}
}

// segmentSet is an immutable, ordered view of the segments. Writers publish a
// new set instead of mutating one.
type segmentSet struct {
	entries []*entry
}

func (s *segmentSet) first() *entry { return s.entries[0] }
func (s *segmentSet) last() *entry  { return s.entries[len(s.entries)-1] }

func (s *segmentSet) oldest() uint64 { return s.first().seg.BaseOffset() }

// find returns the segment holding offset: the last one whose base offset is
// at or before it.
func (s *segmentSet) find(offset uint64) *entry {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seg.BaseOffset() > offset })
	if i == 0 {
		return nil
	}
	return s.entries[i-1]
}

func (s *segmentSet) with(e *entry) *segmentSet {
	entries := make([]*entry, len(s.entries), len(s.entries)+1)
	copy(entries, s.entries)
	return &segmentSet{entries: append(entries, e)}
}

func (s *segmentSet) without(n int) *segmentSet {
	entries := make([]*entry, len(s.entries)-n)
	copy(entries, s.entries[n:])
	return &segmentSet{entries: entries}
}
