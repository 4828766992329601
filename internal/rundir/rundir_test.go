package rundir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForDatePaths(t *testing.T) {
	root := t.TempDir()
	r := ForDate(root, "2026-02-06")

	assert.Equal(t, filepath.Join(root, "runs", "2026-02-06"), r.Dir)
	assert.Equal(t, filepath.Join(root, "runs", "2026-02-06", IndexMapFile), r.Path(IndexMapFile))
	assert.Equal(t, filepath.Join(root, "agent_2026-02-06.md"), r.DigestPath("agent_"))

	_, err := os.Stat(r.Dir)
	assert.True(t, os.IsNotExist(err), "run dir must be created lazily")
}

func TestSaveAndReadJSON(t *testing.T) {
	r := ForDate(t.TempDir(), "2026-02-06")
	in := map[string]int{"a": 1, "b": 2}
	require.NoError(t, r.SaveJSON(RawItemsFile, in))
	assert.True(t, r.Exists(RawItemsFile))

	var out map[string]int
	require.NoError(t, r.ReadJSON(RawItemsFile, &out))
	assert.Equal(t, in, out)
}

func TestReadJSONMissing(t *testing.T) {
	r := ForDate(t.TempDir(), "2026-02-06")
	var out []string
	assert.Error(t, r.ReadJSON(ScoredItemsFile, &out))
}

func TestSaveJSONAtomicLeavesNoTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", UsageFile)
	require.NoError(t, SaveJSONAtomic(path, map[string]float64{"spent_usd": 0.1}))
	require.NoError(t, SaveJSONAtomic(path, map[string]float64{"spent_usd": 0.2}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	var out map[string]float64
	require.NoError(t, ReadJSON(path, &out))
	assert.InDelta(t, 0.2, out["spent_usd"], 1e-9)
}

func TestAppendText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.md")
	require.NoError(t, AppendText(path, "one\n"))
	require.NoError(t, AppendText(path, "two\n"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestFormatDateDisplay(t *testing.T) {
	assert.Equal(t, "Feb 06, 2026", FormatDateDisplay("2026-02-06"))
	assert.Equal(t, "garbage", FormatDateDisplay("garbage"))
}
