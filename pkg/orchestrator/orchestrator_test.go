package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spectreeops/spectree/pkg/backend"
	"github.com/spectreeops/spectree/pkg/scheduler"
	"github.com/spectreeops/spectree/pkg/spec"
)

// fakeIndexCmd stands in for createrepo_c so end-to-end runs need no RPM
// tooling.
const fakeIndexCmd = "mkdir -p repodata && touch repodata/repomd.xml"

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// fixture creates one git repo per source key under a common parent and
// returns the parent directory, usable with a ${NAME} path template.
func fixture(t *testing.T, keys ...string) string {
	t.Helper()
	requireGit(t)
	parent := t.TempDir()
	for _, key := range keys {
		dir := filepath.Join(parent, key)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		git(t, dir, "init", "-q")
		require.NoError(t, os.WriteFile(filepath.Join(dir, key+".spec"), []byte("Name: "+key+"\n"), 0o644))
		git(t, dir, "add", ".")
		git(t, dir, "commit", "-q", "-m", "initial")
	}
	return parent
}

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// countingBackend wraps another backend and counts Build invocations,
// optionally failing chosen source keys.
type countingBackend struct {
	backend.Backend
	mu     sync.Mutex
	builds map[spec.SourceKey]int
	fail   map[spec.SourceKey]error
}

func newCountingBackend(t *testing.T) *countingBackend {
	return &countingBackend{
		Backend: backend.NewNull(zaptest.NewLogger(t)),
		builds:  map[spec.SourceKey]int{},
	}
}

func (c *countingBackend) Build(ctx context.Context, req *backend.Request) error {
	c.mu.Lock()
	c.builds[req.SourceKey]++
	failure := c.fail[req.SourceKey]
	c.mu.Unlock()
	if failure != nil {
		return failure
	}
	return c.Backend.Build(ctx, req)
}

func (c *countingBackend) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.builds {
		n += v
	}
	return n
}

func runOnce(t *testing.T, opts Options) (*Report, error) {
	t.Helper()
	o, err := New(context.Background(), opts)
	require.NoError(t, err)
	return o.Run(context.Background())
}

func baseOptions(t *testing.T, specFile, wsDir, root string, be backend.Backend) Options {
	return Options{
		SpecFile:         specFile,
		WorkspaceDir:     wsDir,
		Root:             spec.SourceKey(root),
		Backend:          be,
		Jobs:             2,
		RepoIndexCommand: fakeIndexCmd,
		Logger:           zaptest.NewLogger(t),
	}
}

func TestRun_LeafOnly(t *testing.T) {
	srcs := fixture(t, "a")
	specFile := writeSpec(t, fmt.Sprintf("a:\n  source: git\n  path: %s/${NAME}\n", srcs))
	wsDir := t.TempDir()

	report, err := runOnce(t, baseOptions(t, specFile, wsDir, "a", backend.NewNull(zaptest.NewLogger(t))))
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Len(t, report.Nodes, 1)

	node := report.Nodes[0]
	assert.True(t, strings.HasPrefix(node.BuildKey, "a-"))

	buildDir := filepath.Join(wsDir, "builds", node.BuildKey)
	assert.DirExists(t, filepath.Join(buildDir, "build"))
	assert.FileExists(t, filepath.Join(buildDir, "deps", "repodata", "repomd.xml"))
}

const chainSpecTmpl = `
a:
  source: git
  path: %[1]s/${NAME}
b:
  source: git
  path: %[1]s/${NAME}
  dependencies: [a]
c:
  source: git
  path: %[1]s/${NAME}
  dependencies: [b]
`

func TestRun_LinearChain(t *testing.T) {
	srcs := fixture(t, "a", "b", "c")
	specFile := writeSpec(t, fmt.Sprintf(chainSpecTmpl, srcs))
	wsDir := t.TempDir()

	be := newCountingBackend(t)
	report, err := runOnce(t, baseOptions(t, specFile, wsDir, "c", be))
	require.NoError(t, err)
	require.True(t, report.OK())
	assert.Equal(t, 3, be.total())

	// Closure layout: c staged {a,b}, b staged {a}, a staged nothing.
	byKey := map[spec.SourceKey]NodeStatus{}
	for _, n := range report.Nodes {
		byKey[n.SourceKey] = n
	}
	cDeps := filepath.Join(wsDir, "builds", byKey["c"].BuildKey, "deps")
	assert.DirExists(t, filepath.Join(cDeps, byKey["a"].BuildKey))
	assert.DirExists(t, filepath.Join(cDeps, byKey["b"].BuildKey))

	bDeps := filepath.Join(wsDir, "builds", byKey["b"].BuildKey, "deps")
	assert.DirExists(t, filepath.Join(bDeps, byKey["a"].BuildKey))
	assert.NoDirExists(t, filepath.Join(bDeps, byKey["c"].BuildKey))

	aDeps := filepath.Join(wsDir, "builds", byKey["a"].BuildKey, "deps")
	entries, err := os.ReadDir(aDeps)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "repodata", entries[0].Name())
}

func TestRun_SecondRunIsFullCacheHit(t *testing.T) {
	srcs := fixture(t, "a", "b", "c")
	specFile := writeSpec(t, fmt.Sprintf(chainSpecTmpl, srcs))
	wsDir := t.TempDir()

	be := newCountingBackend(t)
	_, err := runOnce(t, baseOptions(t, specFile, wsDir, "c", be))
	require.NoError(t, err)
	require.Equal(t, 3, be.total())

	be2 := newCountingBackend(t)
	report, err := runOnce(t, baseOptions(t, specFile, wsDir, "c", be2))
	require.NoError(t, err)
	require.True(t, report.OK())

	assert.Equal(t, 0, be2.total(), "an unchanged rerun invokes zero backend operations")
	for _, n := range report.Nodes {
		assert.True(t, n.Cached, "node %s should be a cache hit", n.SourceKey)
	}
}

func TestRun_FailurePropagation(t *testing.T) {
	srcs := fixture(t, "a", "b", "c")
	specFile := writeSpec(t, fmt.Sprintf(chainSpecTmpl, srcs))
	wsDir := t.TempDir()

	be := newCountingBackend(t)
	be.fail = map[spec.SourceKey]error{"b": fmt.Errorf("rpmbuild exploded")}

	report, err := runOnce(t, baseOptions(t, specFile, wsDir, "c", be))
	require.Error(t, err)
	assert.False(t, report.OK())

	byKey := map[spec.SourceKey]NodeStatus{}
	for _, n := range report.Nodes {
		byKey[n.SourceKey] = n
	}
	assert.Equal(t, scheduler.StatusSucceeded, byKey["a"].Status)
	assert.Equal(t, scheduler.StatusFailed, byKey["b"].Status)
	assert.Equal(t, scheduler.StatusSkipped, byKey["c"].Status)

	// Only a's build key exists on disk; b's staging was cleaned up.
	builds, err := os.ReadDir(filepath.Join(wsDir, "builds"))
	require.NoError(t, err)
	var names []string
	for _, e := range builds {
		names = append(names, e.Name())
	}
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "a-"))
}

func TestRun_KeepFailedRetainsStaging(t *testing.T) {
	srcs := fixture(t, "a")
	specFile := writeSpec(t, fmt.Sprintf("a:\n  source: git\n  path: %s/${NAME}\n", srcs))
	wsDir := t.TempDir()

	be := newCountingBackend(t)
	be.fail = map[spec.SourceKey]error{"a": fmt.Errorf("boom")}

	opts := baseOptions(t, specFile, wsDir, "a", be)
	opts.KeepFailed = true
	_, err := runOnce(t, opts)
	require.Error(t, err)

	builds, err := os.ReadDir(filepath.Join(wsDir, "builds"))
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.True(t, strings.HasPrefix(builds[0].Name(), ".staging-a-"))
}

func TestRun_DiamondDirectOnlyStaging(t *testing.T) {
	srcs := fixture(t, "a", "b", "c", "d")
	specFile := writeSpec(t, fmt.Sprintf(`
a:
  source: git
  path: %[1]s/${NAME}
b:
  source: git
  path: %[1]s/${NAME}
  dependencies: ["~a"]
c:
  source: git
  path: %[1]s/${NAME}
  dependencies: [a]
d:
  source: git
  path: %[1]s/${NAME}
  dependencies: [b, c]
`, srcs))
	wsDir := t.TempDir()

	report, err := runOnce(t, baseOptions(t, specFile, wsDir, "d", newCountingBackend(t)))
	require.NoError(t, err)
	require.True(t, report.OK())

	byKey := map[spec.SourceKey]NodeStatus{}
	for _, n := range report.Nodes {
		byKey[n.SourceKey] = n
	}

	// d stages a, b and c (a arrives through c, not through b).
	dDeps := filepath.Join(wsDir, "builds", byKey["d"].BuildKey, "deps")
	for _, dep := range []spec.SourceKey{"a", "b", "c"} {
		assert.DirExists(t, filepath.Join(dDeps, byKey[dep].BuildKey))
	}

	// b itself still stages a: the direct-only edge is direct for b.
	bDeps := filepath.Join(wsDir, "builds", byKey["b"].BuildKey, "deps")
	assert.DirExists(t, filepath.Join(bDeps, byKey["a"].BuildKey))
}

func TestRun_TouchingLeafRekeysEverything(t *testing.T) {
	srcs := fixture(t, "a", "b", "c")
	specFile := writeSpec(t, fmt.Sprintf(chainSpecTmpl, srcs))
	wsDir := t.TempDir()

	first, err := runOnce(t, baseOptions(t, specFile, wsDir, "c", newCountingBackend(t)))
	require.NoError(t, err)

	// New commit in a.
	aDir := filepath.Join(srcs, "a")
	require.NoError(t, os.WriteFile(filepath.Join(aDir, "a.spec"), []byte("Name: a\nVersion: 2\n"), 0o644))
	git(t, aDir, "commit", "-aqm", "bump")

	be := newCountingBackend(t)
	second, err := runOnce(t, baseOptions(t, specFile, wsDir, "c", be))
	require.NoError(t, err)

	firstKeys := map[spec.SourceKey]string{}
	for _, n := range first.Nodes {
		firstKeys[n.SourceKey] = n.BuildKey
	}
	for _, n := range second.Nodes {
		assert.NotEqual(t, firstKeys[n.SourceKey], n.BuildKey,
			"touching a re-fingerprints %s", n.SourceKey)
	}
	assert.Equal(t, 3, be.total(), "every re-keyed node rebuilds")
}

func TestRun_UncleanTreeFailsNodeNotSiblings(t *testing.T) {
	srcs := fixture(t, "dirty", "clean", "root")
	specFile := writeSpec(t, fmt.Sprintf(`
dirty:
  source: git
  path: %[1]s/${NAME}
clean:
  source: git
  path: %[1]s/${NAME}
root:
  source: git
  path: %[1]s/${NAME}
  dependencies: [dirty, clean]
`, srcs))
	require.NoError(t, os.WriteFile(filepath.Join(srcs, "dirty", "untracked.txt"), []byte("x"), 0o644))

	wsDir := t.TempDir()
	report, err := runOnce(t, baseOptions(t, specFile, wsDir, "root", newCountingBackend(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uncommitted changes")

	byKey := map[spec.SourceKey]NodeStatus{}
	for _, n := range report.Nodes {
		byKey[n.SourceKey] = n
	}
	assert.Equal(t, scheduler.StatusFailed, byKey["dirty"].Status)
	assert.Equal(t, scheduler.StatusSucceeded, byKey["clean"].Status)
	assert.Equal(t, scheduler.StatusSkipped, byKey["root"].Status)
}

func TestNew_ConfigurationErrorsBeforeSideEffects(t *testing.T) {
	specFile := writeSpec(t, "a:\n  source: git\n  path: /a\n  dependencies: [a]\n")
	wsDir := filepath.Join(t.TempDir(), "ws")

	_, err := New(context.Background(), Options{
		SpecFile:     specFile,
		WorkspaceDir: wsDir,
		Root:         "a",
		Backend:      backend.NewNull(nil),
		Logger:       zaptest.NewLogger(t),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	// The workspace was never created.
	assert.NoDirExists(t, wsDir)
}

func TestSnapshot(t *testing.T) {
	srcs := fixture(t, "a")
	specFile := writeSpec(t, fmt.Sprintf("a:\n  source: git\n  path: %s/${NAME}\n", srcs))

	o, err := New(context.Background(), baseOptions(t, specFile, t.TempDir(), "a", backend.NewNull(nil)))
	require.NoError(t, err)

	snap := o.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, spec.SourceKey("a"), snap[0].SourceKey)
	assert.Equal(t, scheduler.StatusPending, snap[0].Status)

	_, err = o.Run(context.Background())
	require.NoError(t, err)

	snap = o.Snapshot()
	assert.Equal(t, scheduler.StatusSucceeded, snap[0].Status)
}
