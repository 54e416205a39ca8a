package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestOrGlobal(t *testing.T) {
	require.NotNil(t, Global())
	assert.Same(t, Global(), OrGlobal(nil))

	l := Nop()
	assert.Same(t, l, OrGlobal(l))
}

func TestComponentKeepsLogger(t *testing.T) {
	l := Nop().Component("reconciler")
	require.NotNil(t, l.Logger)
}

func TestNewFormats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatConsole, ""} {
		l, err := New("debug", format)
		require.NoError(t, err, format)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel), format)
	}
}

func TestSessionOmitsEmptyFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := &Logger{Logger: zap.New(core)}

	l.Session("tenant-1", "").Info("hello")
	l.Session("tenant-1", "sess-9").Info("hello")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]interface{}{"tenant_id": "tenant-1"}, entries[0].ContextMap())
	assert.Equal(t, map[string]interface{}{"tenant_id": "tenant-1", "session_id": "sess-9"}, entries[1].ContextMap())
}
