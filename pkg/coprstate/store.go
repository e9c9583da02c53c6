package coprstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the durable build-key → Record mapping.
//
// Reads are served from memory. Every mutation queues a snapshot of the
// whole mapping for a single writer goroutine, which rewrites the file
// atomically (write-to-temp then rename), so the file is never
// half-written. The writer commits only the newest queued snapshot, and
// Put returns before its snapshot is on disk: mutations not yet committed
// when the process dies are lost. Close waits for the final write.
// Readers may observe any committed snapshot.
type Store struct {
	path string

	mu      sync.Mutex
	records map[string]Record

	writeCh chan []byte
	done    chan struct{}
	errMu   sync.Mutex
	werr    error
}

// Open loads the state file, creating an empty store if the file does not
// exist yet. The returned store must be closed to flush pending writes.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state file path is required")
	}

	s := &Store{
		path:    path,
		records: map[string]Record{},
		writeCh: make(chan []byte, 16),
		done:    make(chan struct{}),
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if strings.TrimSpace(string(b)) != "" {
			if err := json.Unmarshal(b, &s.records); err != nil {
				return nil, fmt.Errorf("parse state file %s: %w", path, err)
			}
		}
	case os.IsNotExist(err):
		// First run: the file is created on the first mutation.
	default:
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	go s.writer()
	return s, nil
}

// writer serialises snapshot writes. Only the newest pending snapshot
// matters; intermediate ones are superseded.
func (s *Store) writer() {
	defer close(s.done)
	for snapshot := range s.writeCh {
		// Drain to the latest queued snapshot; intermediates are superseded.
		drained := false
		for !drained {
			select {
			case newer, ok := <-s.writeCh:
				if !ok {
					s.commit(snapshot)
					return
				}
				snapshot = newer
			default:
				drained = true
			}
		}
		s.commit(snapshot)
	}
}

func (s *Store) commit(snapshot []byte) {
	if err := writeAtomic(s.path, snapshot); err != nil {
		s.errMu.Lock()
		s.werr = err
		s.errMu.Unlock()
	}
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func (s *Store) snapshotLocked() []byte {
	// Sorted keys keep the human-editable file stable across rewrites.
	b, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		// Records are plain data; this cannot fail for any reachable state.
		panic(fmt.Sprintf("marshal copr state: %v", err))
	}
	return append(b, '\n')
}

// Get returns the record for a build key.
func (s *Store) Get(buildKey string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[buildKey]
	return r, ok
}

// Put stores the record for a build key, stamping LastSeenAt, and queues a
// durable rewrite.
func (s *Store) Put(buildKey string, r Record) {
	r.LastSeenAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[buildKey] = r
	// Enqueued under the lock so snapshots reach the writer in commit
	// order. The writer never takes the lock, so this cannot deadlock.
	s.writeCh <- s.snapshotLocked()
}

// Keys returns all recorded build keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pending returns the build keys whose records are in a non-terminal
// state, sorted. The copr backend does not consult it: a pending record is
// polled when its own node is next built, with no ordering against new
// submissions, and records of keys outside the run are not polled.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, r := range s.records {
		if !r.Status.Terminal() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close flushes pending writes and reports any write error encountered.
func (s *Store) Close() error {
	close(s.writeCh)
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.werr
}
