package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		warn  bool
	}{
		{level: "debug", debug: true, warn: true},
		{level: "warn", debug: false, warn: true},
		{level: "error", debug: false, warn: false},
		{level: "", debug: false, warn: true},
		{level: "bogus", debug: false, warn: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})

			logger.Debug().Msg("debug message")
			logger.Warn().Msg("warn message")

			assert.Equal(t, tt.debug, bytes.Contains(buf.Bytes(), []byte("debug message")))
			assert.Equal(t, tt.warn, bytes.Contains(buf.Bytes(), []byte("warn message")))
		})
	}
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "loader")
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"loader"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestNewPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})
	logger.Info().Str("pc", "0x400100").Msg("loaded snapshot")

	assert.Contains(t, buf.String(), "loaded snapshot")
	assert.NotContains(t, buf.String(), `"message"`)
}
