package coprstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_EmptyAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, s.Keys())
	require.NoError(t, s.Close())

	// Missing file is not created until the first mutation.
	assert.NoFileExists(t, path)
}

func TestOpen_EmptyPathRejected(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestPutGet_Durable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	require.NoError(t, err)

	s.Put("app-0011", Record{JobID: 42, Status: StatusSubmitted})
	require.NoError(t, s.Close())

	// Reopen: the record survived the process boundary.
	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	r, ok := s2.Get("app-0011")
	require.True(t, ok)
	assert.Equal(t, int64(42), r.JobID)
	assert.Equal(t, StatusSubmitted, r.Status)
	assert.False(t, r.LastSeenAt.IsZero())
}

func TestStateFile_HumanReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	require.NoError(t, err)
	s.Put("app-0011", Record{
		JobID:   7,
		Status:  StatusRunning,
		Chroots: map[string]string{"fedora-39-x86_64": "running"},
	})
	require.NoError(t, s.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	// Indented JSON with stable keys: editable with a text editor.
	assert.Contains(t, string(b), "\n  \"app-0011\"")
	var decoded map[string]Record
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, StatusRunning, decoded["app-0011"].Status)
}

func TestPending(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	s.Put("a-1", Record{Status: StatusSubmitted})
	s.Put("b-2", Record{Status: StatusSucceeded})
	s.Put("c-3", Record{Status: StatusRunning})
	s.Put("d-4", Record{Status: StatusFailed})
	s.Put("e-5", Record{Status: StatusSkippedAssumeBuilt})

	assert.Equal(t, []string{"a-1", "c-3"}, s.Pending())
	assert.Equal(t, []string{"a-1", "b-2", "c-3", "d-4", "e-5"}, s.Keys())
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusSubmitted.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkippedAssumeBuilt.Terminal())
}

func TestConcurrentPuts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a'+n)) + "-key"
			s.Put(key, Record{Status: StatusSubmitted})
			s.Put(key, Record{Status: StatusSucceeded})
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	assert.Len(t, s2.Keys(), 8)
	for _, k := range s2.Keys() {
		r, ok := s2.Get(k)
		require.True(t, ok)
		assert.Equal(t, StatusSucceeded, r.Status)
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse state file")
}
