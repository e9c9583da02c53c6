package spec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytes(t *testing.T) {
	data := []byte(`
app:
  source: git
  path: /src/${NAME}
  dependencies: [lib, "~tools"]
  build_params: ["--with", "feature"]
lib:
  source: git
  url: https://git.example.com/lib.git
tools:
  source: git
  path: /src/tools
`)
	tree, err := LoadFromBytes(data)
	require.NoError(t, err)
	require.Len(t, tree.Sources, 3)

	app := tree.Sources["app"]
	require.NotNil(t, app)
	assert.Equal(t, SourceGit, app.Type)
	assert.Equal(t, "/src/${NAME}", app.Path)
	require.Len(t, app.Dependencies, 2)
	assert.Equal(t, Dependency{Key: "lib"}, app.Dependencies[0])
	assert.Equal(t, Dependency{Key: "tools", DirectOnly: true}, app.Dependencies[1])
	assert.Equal(t, []string{"--with", "feature"}, app.BuildParams)

	lib := tree.Sources["lib"]
	require.NotNil(t, lib)
	assert.Equal(t, "https://git.example.com/lib.git", lib.URL)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a:\n  source: git\n  path: /a\n"), 0o644))

	tree, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, tree.Sources, 1)
}

func TestLoadFromBytes_Rejections(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "empty file",
			data: "   \n",
			want: "empty",
		},
		{
			name: "unknown node field",
			data: "a:\n  source: git\n  path: /a\n  colour: red\n",
			want: "colour",
		},
		{
			name: "duplicate key",
			data: "a:\n  source: git\n  path: /a\na:\n  source: git\n  path: /b\n",
			want: "already defined",
		},
		{
			name: "dangling dependency",
			data: "a:\n  source: git\n  path: /a\n  dependencies: [ghost]\n",
			want: `"ghost" not found`,
		},
		{
			name: "missing source kind",
			data: "a:\n  path: /a\n",
			want: "missing source kind",
		},
		{
			name: "unknown source kind",
			data: "a:\n  source: tarball\n  path: /a\n",
			want: "unknown source kind",
		},
		{
			name: "git without url or path",
			data: "a:\n  source: git\n",
			want: "requires url or path",
		},
		{
			name: "git with both url and path",
			data: "a:\n  source: git\n  url: https://x\n  path: /a\n",
			want: "exactly one",
		},
		{
			name: "srpm without path",
			data: "a:\n  source: srpm\n",
			want: "requires path",
		},
		{
			name: "empty dependency",
			data: "a:\n  source: git\n  path: /a\n  dependencies: [\"~\"]\n",
			want: "dependency key is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_SelfCycle(t *testing.T) {
	_, err := LoadFromBytes([]byte("a:\n  source: git\n  path: /a\n  dependencies: [a]\n"))
	require.Error(t, err)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []SourceKey{"a", "a"}, cycleErr.Path)
}

func TestValidate_LongerCycle(t *testing.T) {
	data := []byte(`
a:
  source: git
  path: /a
  dependencies: [b]
b:
  source: git
  path: /b
  dependencies: [c]
c:
  source: git
  path: /c
  dependencies: [a]
`)
	_, err := LoadFromBytes(data)
	require.Error(t, err)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
}

func TestParseDependency(t *testing.T) {
	assert.Equal(t, Dependency{Key: "x"}, ParseDependency("x"))
	assert.Equal(t, Dependency{Key: "x", DirectOnly: true}, ParseDependency("~x"))
	assert.Equal(t, "~x", Dependency{Key: "x", DirectOnly: true}.String())
	assert.Equal(t, "x", Dependency{Key: "x"}.String())
}

func TestMarshal_RoundTrip(t *testing.T) {
	data := []byte(`
app:
  source: git
  path: /src/app
  dependencies: [lib, "~tools"]
  build_params: ["--define", "x 1"]
lib:
  source: git
  url: https://git.example.com/${NAME}.git
tools:
  source: git
  path: /src/tools
`)
	tree, err := LoadFromBytes(data)
	require.NoError(t, err)

	canonical, err := tree.Marshal()
	require.NoError(t, err)

	again, err := LoadFromBytes(canonical)
	require.NoError(t, err)
	assert.Equal(t, tree.Sources, again.Sources)

	// Canonical form is a fixed point.
	canonical2, err := again.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(canonical), string(canonical2))
}
