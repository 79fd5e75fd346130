package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSource = `
from freqtrade.strategy import IStrategy

class SampleStrategy(IStrategy):
    timeframe = '5m'
    informative_timeframe = '1h'

    def populate_indicators(self, dataframe, metadata):
        return dataframe

class _Helper:
    pass
`

func writeStrategy(t *testing.T, dir, name, src string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestReadFileExtractsMetadata(t *testing.T) {
	path := writeStrategy(t, t.TempDir(), "sample.py", sampleSource)
	descs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, descs, 1, "下划线开头与基类不算策略")

	d := descs[0]
	assert.Equal(t, "SampleStrategy", d.Identifier)
	assert.Equal(t, "5m", d.Timeframe)
	assert.Equal(t, "1h", d.InformativeTimeframe)
	assert.Equal(t, path, d.SourceFile)
}

func TestReadFileTypedAnnotation(t *testing.T) {
	src := "class Typed(IStrategy):\n    pass\ntimeframe: str = \"15m\"\n"
	path := writeStrategy(t, t.TempDir(), "typed.py", src)
	descs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "15m", descs[0].Timeframe)
}

func TestDiscoverEarlierPathWins(t *testing.T) {
	priv := filepath.Join(t.TempDir(), "priv")
	shared := filepath.Join(t.TempDir(), "shared")
	writeStrategy(t, priv, "dup.py", "class Dup(IStrategy):\n    timeframe = '1m'\n")
	writeStrategy(t, shared, "dup.py", "class Dup(IStrategy):\n    timeframe = '1d'\n")
	writeStrategy(t, shared, "only.py", "class OnlyShared(IStrategy):\n    pass\n")

	found, err := Discover([]string{priv, shared})
	require.NoError(t, err)
	require.Contains(t, found, "Dup")
	assert.Equal(t, "1m", found["Dup"].Timeframe, "靠前目录优先")
	assert.Contains(t, found, "OnlyShared")
}

func TestDiscoverSkipsMissingAndUnderscoreFiles(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "_base.py", "class Hidden(IStrategy):\n    pass\n")
	writeStrategy(t, dir, "readme.txt", "not python")

	found, err := Discover([]string{dir, filepath.Join(dir, "does-not-exist")})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestListSortedByIdentifier(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "z.py", "class Zeta(IStrategy):\n    pass\n")
	writeStrategy(t, dir, "a.py", "class Alpha(IStrategy):\n    pass\n")

	list, err := List([]string{dir})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Identifier)
	assert.Equal(t, "Zeta", list[1].Identifier)
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	writeStrategy(t, dir, "s.py", "class Findable(IStrategy):\n    timeframe = '5m'\n")

	d, ok, err := Lookup([]string{dir}, "Findable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5m", d.Timeframe)

	_, ok, err = Lookup([]string{dir}, "Missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
