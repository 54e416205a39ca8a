package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TYPING_EXPIRY", "")
	t.Setenv("ACK_TIMEOUT", "")

	cfg := Load()
	assert.Equal(t, 3*time.Second, cfg.TypingExpiry)
	assert.Equal(t, time.Second, cfg.TypingSweep)
	assert.Equal(t, 10*time.Second, cfg.AckTimeout)
	assert.Equal(t, 5*time.Second, cfg.OutOfOrderWindow)
	assert.Equal(t, 256, cfg.ReceiptBufferLimit)
	assert.False(t, cfg.JournalEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TYPING_EXPIRY", "750ms")
	t.Setenv("RECEIPT_BUFFER_LIMIT", "12")
	t.Setenv("JOURNAL_ENABLED", "true")
	t.Setenv("ACK_TIMEOUT", "not-a-duration")

	cfg := Load()
	assert.Equal(t, 750*time.Millisecond, cfg.TypingExpiry)
	assert.Equal(t, 12, cfg.ReceiptBufferLimit)
	assert.True(t, cfg.JournalEnabled)
	assert.Equal(t, 10*time.Second, cfg.AckTimeout, "invalid values fall back to the default")

	eng := cfg.Engine()
	assert.Equal(t, cfg.TypingExpiry, eng.TypingExpiry)
	assert.Equal(t, cfg.ReceiptBufferLimit, eng.ReceiptBufferLimit)
}

func TestEngineWithDefaults(t *testing.T) {
	e := Engine{AckTimeout: time.Second}.WithDefaults()
	assert.Equal(t, time.Second, e.AckTimeout)
	assert.Equal(t, 3*time.Second, e.TypingExpiry)
	assert.Equal(t, 50, e.FetchPageLimit)
}

func TestAllowedOriginsList(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, Load().AllowedOrigins)

	t.Setenv("ALLOWED_ORIGINS", "")
	assert.Nil(t, Load().AllowedOrigins)
}
