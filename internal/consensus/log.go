package consensus

import "github.com/chainmesh/fabric/pb"

// raftLog is the replicated log. Indexing is 1-based; index 0 is the empty
// prefix with term 0. Access is serialized by the owning node's lock.
type raftLog struct {
	entries []*pb.LogEntry
}

func newRaftLog() *raftLog {
	return &raftLog{}
}

func (l *raftLog) lastIndex() uint64 {
	return uint64(len(l.entries))
}

func (l *raftLog) lastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// term returns the term of the entry at index, and whether it exists.
// Index 0 always exists with term 0.
func (l *raftLog) term(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	if index > l.lastIndex() {
		return 0, false
	}
	return l.entries[index-1].Term, true
}

func (l *raftLog) at(index uint64) *pb.LogEntry {
	return l.entries[index-1]
}

// append adds a new entry at the tail and returns its index.
func (l *raftLog) append(term uint64, kind pb.EntryKind, payload []byte) uint64 {
	index := l.lastIndex() + 1
	l.entries = append(l.entries, &pb.LogEntry{
		Term:    term,
		Index:   index,
		Kind:    kind,
		Payload: payload,
	})
	return index
}

// reconcile merges entries received after prevIndex. Entries that conflict
// on term truncate the suffix; entries already present are skipped. Returns
// the index of the last new entry.
func (l *raftLog) reconcile(prevIndex uint64, incoming []*pb.LogEntry) uint64 {
	lastNew := prevIndex
	for i, e := range incoming {
		idx := prevIndex + uint64(i) + 1
		if idx <= l.lastIndex() {
			existing, _ := l.term(idx)
			if existing == e.Term {
				lastNew = idx
				continue
			}
			// Conflict: drop the suffix.
			l.entries = l.entries[:idx-1]
		}
		l.entries = append(l.entries, &pb.LogEntry{
			Term:    e.Term,
			Index:   idx,
			Kind:    e.Kind,
			Payload: e.Payload,
		})
		lastNew = idx
	}
	return lastNew
}

// slice returns the entries from index (inclusive) to the tail.
func (l *raftLog) slice(from uint64) []*pb.LogEntry {
	if from > l.lastIndex() {
		return nil
	}
	src := l.entries[from-1:]
	out := make([]*pb.LogEntry, len(src))
	copy(out, src)
	return out
}
