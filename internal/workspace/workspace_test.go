package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor_Layout(t *testing.T) {
	ws := For("/tmp/worker", 3, "q7")
	assert.Equal(t, "/tmp/worker/03/q7", ws.Base)
	assert.Equal(t, "/tmp/worker/03/q7/test", ws.Test)
	assert.Equal(t, "/tmp/worker/03/q7/output/output.json", ws.ReportFile())
}

func TestMaterialize_WritesTree(t *testing.T) {
	ws := For(t.TempDir(), 0, "q1")
	files := []domain.File{
		{Path: "contracts/Adder.sol", Content: "contract Adder {}"},
		{Path: "test/Adder.t.sol", Content: "contract AdderTest {}"},
	}

	require.NoError(t, Materialize(ws, files))

	got, err := os.ReadFile(filepath.Join(ws.Contracts, "Adder.sol"))
	require.NoError(t, err)
	assert.Equal(t, "contract Adder {}", string(got))
	assert.DirExists(t, ws.Output)
	assert.DirExists(t, ws.Cache)
	assert.DirExists(t, ws.Out)
}

func TestMaterialize_OverwritesAndWipesOutput(t *testing.T) {
	ws := For(t.TempDir(), 0, "q1")
	require.NoError(t, Materialize(ws, []domain.File{{Path: "contracts/A.sol", Content: "v1"}}))
	require.NoError(t, os.WriteFile(ws.ReportFile(), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Cache, "keep.json"), []byte("{}"), 0o644))

	require.NoError(t, Materialize(ws, []domain.File{{Path: "contracts/A.sol", Content: "v2"}}))

	got, err := os.ReadFile(filepath.Join(ws.Contracts, "A.sol"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	assert.NoFileExists(t, ws.ReportFile())
	assert.FileExists(t, filepath.Join(ws.Cache, "keep.json"))
}

func TestMaterialize_NoFiles(t *testing.T) {
	ws := For(t.TempDir(), 0, "q1")

	err := Materialize(ws, nil)
	assert.ErrorIs(t, err, ErrNoFiles)
	assert.NoDirExists(t, ws.Base)
}

func TestMaterialize_RejectsEscapingPath(t *testing.T) {
	ws := For(t.TempDir(), 0, "q1")

	err := Materialize(ws, []domain.File{{Path: "../../evil.sol", Content: "x"}})
	assert.Error(t, err)
}

func TestCollect_RoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "test", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "test", "nested", "A.t.sol"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "B.sol"), []byte("b"), 0o644))

	files, err := Collect(src)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.File{
		{Path: "B.sol", Content: "b"},
		{Path: "test/nested/A.t.sol", Content: "a"},
	}, files)

	ws := For(t.TempDir(), 1, "q1")
	require.NoError(t, Materialize(ws, files))
	assert.FileExists(t, filepath.Join(ws.Test, "nested", "A.t.sol"))
}

func TestCollect_MissingDir(t *testing.T) {
	_, err := Collect(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
