package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestServerDefaultsFromEnv(t *testing.T) {
	t.Setenv("WAVESYNC_DRIVER", "memory")
	t.Setenv("WAVESYNC_FLUSH_INTERVAL", "2s")
	t.Setenv("WAVESYNC_PRESENCE_TTL", "not a duration")

	c, err := ParseServer(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, "memory", c.Driver)
	assert.Equal(t, 2*time.Second, c.FlushInterval)
	assert.Equal(t, time.Minute, c.PresenceTTL)
	assert.Equal(t, "localhost:8080", c.Addr)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("WAVESYNC_ADDR", "0.0.0.0:1")
	c, err := ParseServer([]string{"-addr", "127.0.0.1:9000", "-log-format", "json"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "127.0.0.1:9000", c.Addr)
	_, err = c.Logger()
	assert.Equal(t, nil, err)

	_, err = ParseServer([]string{"-flush-interval", "0s"})
	assert.NotEqual(t, nil, err)
}

func TestInvalidLogging(t *testing.T) {
	_, err := Logging{Level: "loud"}.Logger()
	assert.NotEqual(t, nil, err)
	_, err = Logging{Level: "debug", Format: "xml"}.Logger()
	assert.NotEqual(t, nil, err)
}

func TestDotEnv(t *testing.T) {
	assert.Equal(t, nil, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	assert.Equal(t, nil, os.WriteFile(path, []byte("WAVESYNC_DOC=from-dotenv\n"), 0o600))
	t.Setenv("WAVESYNC_DOC", "")
	os.Unsetenv("WAVESYNC_DOC")
	assert.Equal(t, nil, LoadDotEnv(path))
	c, err := ParseClient(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, "from-dotenv", c.DocID)
	assert.Equal(t, 3, c.MaxRetries)
}
