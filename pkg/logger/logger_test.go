package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.log")
	require.NoError(t, Init(&Config{
		Level:       "debug",
		Format:      "json",
		ServiceName: "eidos-trust-test",
		Output:      "file",
		File:        FileConfig{Path: path, MaxSizeMB: 1},
	}))

	Info("rule matched", zap.String("rule_id", "r-1"), zap.Bool("dry_run", true))
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rule_id":"r-1"`)
	assert.Contains(t, string(data), `"dry_run":true`)
	assert.Contains(t, string(data), `"service":"eidos-trust-test"`)
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.log")
	require.NoError(t, Init(&Config{Level: "info", Output: "file", File: FileConfig{Path: path}}))

	SetLevel("error")
	Info("hidden")
	Error("shown")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
