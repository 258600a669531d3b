package utils

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "debug level", input: "DEBUG", expected: DEBUG},
		{name: "info level", input: "info", expected: INFO},
		{name: "warn level", input: "WARN", expected: WARN},
		{name: "warning level", input: "WARNING", expected: WARN},
		{name: "error level", input: "ERROR", expected: ERROR},
		{name: "invalid level", input: "LOUD", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestInitializeLogger_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vfs.log")

	closer, err := InitializeLogger(LogConfig{Level: "WARN", Format: "json", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})

	logger := GetLogger("cache")
	logger.Info().Msg("filtered out")
	logger.Warn().Str("entry", "abc").Msg("rename failed")
	require.NoError(t, closer.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}

	require.Len(t, lines, 1)
	assert.Equal(t, "cache", lines[0]["component"])
	assert.Equal(t, "rename failed", lines[0]["message"])
	assert.Equal(t, "warn", lines[0]["level"])
}

func TestInitializeLogger_InvalidLevel(t *testing.T) {
	_, err := InitializeLogger(LogConfig{Level: "chatty"})
	assert.Error(t, err)
}
