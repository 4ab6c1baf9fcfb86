package snapshotstore

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/quorumkit/raft/log/segment"
	"github.com/quorumkit/raft/raftpb"
)

// MemStore is an in-memory Store, used by tests, sharing the same contract
// as the durable one.
type MemStore struct {
	mu    sync.Mutex
	byID  map[string]*Snapshot
	order []string
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]*Snapshot)}
}

func (ms *MemStore) New(index raftpb.Index, timestamp int64) (*Snapshot, error) {
	id := fmt.Sprintf("%020d-%s", index, uuid.NewString())
	return ms.GetOrCreate(id, index, timestamp), nil
}

func (ms *MemStore) Current() *Snapshot {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var best *Snapshot
	for _, id := range ms.order {
		if s := ms.byID[id]; s.Complete() && (best == nil || s.index >= best.index) {
			best = s
		}
	}
	return best
}

func (ms *MemStore) List() []*Snapshot {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*Snapshot, 0, len(ms.order))
	for _, id := range ms.order {
		out = append(out, ms.byID[id])
	}
	return out
}

func (ms *MemStore) Get(id string, _ raftpb.Index) (*Snapshot, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s, ok := ms.byID[id]
	return s, ok
}

func (ms *MemStore) GetOrCreate(id string, index raftpb.Index, timestamp int64) *Snapshot {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if s, ok := ms.byID[id]; ok {
		return s
	}
	snap, err := newPendingSnapshot(id, index, timestamp, segment.NewMemFile())
	if err != nil {
		return nil
	}
	ms.byID[id] = snap
	ms.order = append(ms.order, id)
	return snap
}

func (ms *MemStore) Delete(s *Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.byID[s.id]; !ok {
		return nil
	}
	delete(ms.byID, s.id)
	for i, id := range ms.order {
		if id == s.id {
			ms.order = append(ms.order[:i], ms.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ Store = (*MemStore)(nil)
