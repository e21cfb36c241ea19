package reactor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFallsBackWithoutEnv(t *testing.T) {
	require.NoError(t, os.Unsetenv("TAOTU_IORING_ENTRIES"))
	cfg := DefaultConfig()
	require.EqualValues(t, defaultIOUringEntries, cfg.IOUringEntries)
}

func TestDefaultConfigClampsOutOfRangeEnv(t *testing.T) {
	t.Setenv("TAOTU_IORING_ENTRIES", "99999999")
	cfg := DefaultConfig()
	require.EqualValues(t, maxIOUringEntries, cfg.IOUringEntries)

	t.Setenv("TAOTU_IORING_ENTRIES", "1")
	cfg = DefaultConfig()
	require.EqualValues(t, minIOUringEntries, cfg.IOUringEntries)
}

func TestDefaultConfigIgnoresInvalidEnv(t *testing.T) {
	t.Setenv("TAOTU_IORING_ENTRIES", "not-a-number")
	cfg := DefaultConfig()
	require.EqualValues(t, defaultIOUringEntries, cfg.IOUringEntries)

	t.Setenv("TAOTU_IORING_ENTRIES", "0")
	cfg = DefaultConfig()
	require.EqualValues(t, defaultIOUringEntries, cfg.IOUringEntries)
}
