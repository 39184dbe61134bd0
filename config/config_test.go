package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	b := DefaultBridge()
	assert.NoError(t, b.Validate())
	assert.Equal(t, ":8765", b.Listen)
	assert.Equal(t, 115200, b.Serial.BaudRate)
	assert.Equal(t, 2*time.Second, b.Serial.SettleDelay)

	c := DefaultClient()
	assert.NoError(t, c.Validate())
	assert.Equal(t, "HardwareTester", c.Identity)
}

func TestLoadBridgeOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
listen: ":9000"
serial:
  port: /dev/ttyACM0
  settle_delay: 500ms
timeouts:
  execute: 2m
functions:
  - name: blink
    code: b
  - name: sweep
    code: s
    frames: 3
`)

	cfg, err := LoadBridge(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Serial.SettleDelay)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Execute)

	table, err := cfg.FunctionTable()
	require.NoError(t, err)
	fn, ok := table.Lookup("sweep")
	require.True(t, ok)
	assert.Equal(t, 3, fn.Frames)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadBridge(writeFile(t, "listn: ':9000'\n"))
	assert.Error(t, err)
}

func TestLoadValidates(t *testing.T) {
	_, err := LoadBridge(writeFile(t, "functions:\n  - {name: a, code: '1'}\n  - {name: b, code: '1'}\n"))
	assert.ErrorContains(t, err, "share code")

	_, err = LoadClient(writeFile(t, "port: 70000\n"))
	assert.ErrorContains(t, err, "port out of range")
}

func TestLoadEmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, DefaultClient(), cfg)

	cfg, err = LoadClient(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultClient(), cfg)
}
