package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverKey = "0101010101010101010101010101010101010101010101010101010101010101"

const sample = `
listen_addr = "127.0.0.1:6000"
accept_inbound = true
log_level = "debug"
log_format = "json"
server_public_key = "` + serverKey + `"
user_id = 42

[transport]
max_datagram_size = 1200
idle_timeout = "10s"
keep_alive_interval = "2s"
tick_interval = "2ms"
pacing_rate = 125000
max_pto_count = 4

[audio]
enabled = false

[metrics]
enabled = true
listen_addr = "127.0.0.1:9999"
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.ListenAddr)
	assert.True(t, cfg.AcceptInbound)
	assert.Equal(t, uint32(42), cfg.UserID)
	assert.Equal(t, 1200, cfg.Transport.MaxDatagramSize)
	assert.Equal(t, 10*time.Second, cfg.Transport.IdleTimeout.Duration)
	assert.Equal(t, 2*time.Millisecond, cfg.Transport.TickInterval.Duration)
	assert.Equal(t, 125000, cfg.Transport.PacingRate)
	assert.False(t, cfg.Audio.Enabled)
	// Keys the file omits keep their defaults.
	assert.Equal(t, 480, cfg.Audio.FrameSamples)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.ListenAddr)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", `listen_addr = `, "failed to parse"},
		{"bad duration", "[transport]\nidle_timeout = \"soon\"", "failed to parse"},
		{"bad level", `log_level = "loud"`, "log_level"},
		{"bad format", `log_format = "xml"`, "log_format"},
		{"short key", `secret_key = "abcd"`, "secret_key"},
		{"datagram too large", "[transport]\nmax_datagram_size = 1500", "max_datagram_size"},
		{"zero tick", "[transport]\ntick_interval = \"0s\"", "tick_interval"},
		{"zero pto", "[transport]\nmax_pto_count = 0", "max_pto_count"},
		{"pto overflow", "[transport]\nmax_pto_count = 64", "max_pto_count"},
		{"audio frame", "[audio]\nframe_samples = 0", "frame_samples"},
		{"metrics addr", "[metrics]\nenabled = true\nlisten_addr = \"\"", "metrics.listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "kagu.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), cfg.UserID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	cfg, err := Parse(`secret_key = "` + strings.Repeat("02", 32) + `"` + "\n" + sample)
	require.NoError(t, err)

	options, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", options.ListenAddr)
	assert.True(t, options.AcceptInbound)
	assert.Len(t, options.SecretKey, 32)
	assert.Equal(t, byte(2), options.SecretKey[0])
	assert.Len(t, options.ServerPublicKey, 32)
	assert.Equal(t, 10*time.Second, options.IdleTimeout)
	assert.Equal(t, 2*time.Second, options.KeepAliveInterval)
	assert.Equal(t, 4, options.MaxPTOCount)
	assert.False(t, options.AudioEnabled)
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	cfg, err := Parse(sample)
	require.NoError(t, err)
	require.NoError(t, cfg.ConfigureLogging())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
}
