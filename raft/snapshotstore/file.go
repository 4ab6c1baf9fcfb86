package snapshotstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/quorumkit/raft/log/segment"
	"github.com/quorumkit/raft/raftpb"
)

// FileStore is a directory of snapshot files named "<id>.snap", one
// descriptor-headed file per snapshot.
type FileStore struct {
	mu    sync.Mutex
	dir   string
	byID  map[string]*Snapshot
	order []string // insertion order, oldest first
}

// NewFileStore opens (creating if necessary) a directory-backed Store at
// dir, recovering any snapshots already present.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{dir: dir, byID: make(map[string]*Snapshot)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".snap" {
			continue
		}
		id := ent.Name()[:len(ent.Name())-len(".snap")]
		f, err := segment.OpenOSFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("open snapshot %s: %w", id, err)
		}
		snap, err := openSnapshot(id, f)
		if err != nil {
			return nil, err
		}
		fs.byID[id] = snap
		fs.order = append(fs.order, id)
	}
	sort.Slice(fs.order, func(i, j int) bool {
		return fs.byID[fs.order[i]].index < fs.byID[fs.order[j]].index
	})
	return fs, nil
}

func (fs *FileStore) New(index raftpb.Index, timestamp int64) (*Snapshot, error) {
	id := fmt.Sprintf("%020d-%s", index, uuid.NewString())
	return fs.GetOrCreate(id, index, timestamp), nil
}

func (fs *FileStore) Current() *Snapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var best *Snapshot
	for _, id := range fs.order {
		if s := fs.byID[id]; s.Complete() && (best == nil || s.index >= best.index) {
			best = s
		}
	}
	return best
}

func (fs *FileStore) List() []*Snapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*Snapshot, 0, len(fs.order))
	for _, id := range fs.order {
		out = append(out, fs.byID[id])
	}
	return out
}

func (fs *FileStore) Get(id string, _ raftpb.Index) (*Snapshot, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.byID[id]
	return s, ok
}

func (fs *FileStore) GetOrCreate(id string, index raftpb.Index, timestamp int64) *Snapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if s, ok := fs.byID[id]; ok {
		return s
	}
	f, err := segment.OpenOSFile(filepath.Join(fs.dir, id+".snap"))
	if err != nil {
		return nil
	}
	snap, err := newPendingSnapshot(id, index, timestamp, f)
	if err != nil {
		return nil
	}
	fs.byID[id] = snap
	fs.order = append(fs.order, id)
	return snap
}

func (fs *FileStore) Delete(s *Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.byID[s.id]; !ok {
		return nil
	}
	delete(fs.byID, s.id)
	for i, id := range fs.order {
		if id == s.id {
			fs.order = append(fs.order[:i], fs.order[i+1:]...)
			break
		}
	}
	s.file.Close()
	return os.Remove(filepath.Join(fs.dir, s.id+".snap"))
}

var _ Store = (*FileStore)(nil)
