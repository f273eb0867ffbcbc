package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadLevelAndFormat(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.log")
	cfg := DefaultConfig()
	cfg.File = path

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("sync complete")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sync complete")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
