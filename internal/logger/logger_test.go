package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "")
		t.Setenv("LOG_FORMAT", "")
		t.Setenv("LOG_ADD_SOURCE", "")

		config := LoadConfig()
		assert.Equal(t, slog.LevelInfo, config.Level)
		assert.Equal(t, "json", config.Format)
		assert.False(t, config.AddSource)
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_FORMAT", "TEXT")
		t.Setenv("LOG_ADD_SOURCE", "true")

		config := LoadConfig()
		assert.Equal(t, slog.LevelDebug, config.Level)
		assert.Equal(t, "text", config.Format)
		assert.True(t, config.AddSource)
	})

	t.Run("invalid values keep defaults", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "loud")
		t.Setenv("LOG_FORMAT", "xml")
		t.Setenv("LOG_ADD_SOURCE", "maybe")

		config := LoadConfig()
		assert.Equal(t, DefaultConfig().Level, config.Level)
		assert.Equal(t, "json", config.Format)
		assert.False(t, config.AddSource)
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"DEBUG", slog.LevelDebug, true},
		{"warning", slog.LevelWarn, true},
		{"Error", slog.LevelError, true},
		{"-8", slog.Level(-8), true},
		{"", 0, false},
		{"verbose", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelWarn, Format: "json", Writer: &buf})

	l.Info("dropped")
	l.Warn("kept", "holder", "imap")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "imap", entry["holder"])
}

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	l := New(Config{Writer: &bytes.Buffer{}})
	assert.Same(t, l, FromContext(WithContext(context.Background(), l)))
}
