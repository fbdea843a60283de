package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validNodeID = "a0123456789abcdef0123456789abcde"

func validConfig() *Config {
	return &Config{
		NodeID:            validNodeID,
		TimerIntervalSecs: 30,
		QueueSize:         256,
		Stun:              []string{"stun.l.google.com:19302"},
		Overlays: map[string]OverlayConfig{
			"0123456789abcdef0123456789abcdef": {Type: "TUNNEL", TapName: "ipoptap0"},
		},
	}
}

func TestValidateConfigAccepts(t *testing.T) {
	require.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateNodeID(t *testing.T) {
	cases := map[string]string{
		"too short": "a012",
		"uppercase": "A0123456789ABCDEF0123456789ABCDE",
		"non hex":   "z0123456789abcdef0123456789abcde",
		"empty":     "",
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			cfg.NodeID = id
			assert.Error(t, ValidateConfig(cfg))
		})
	}
}

func TestValidateRequiresStunAndOverlays(t *testing.T) {
	cfg := validConfig()
	cfg.Stun = nil
	assert.Error(t, ValidateConfig(cfg))

	cfg = validConfig()
	cfg.Overlays = nil
	assert.Error(t, ValidateConfig(cfg))

	cfg = validConfig()
	cfg.TimerIntervalSecs = 0
	assert.Error(t, ValidateConfig(cfg))
}

// TestValidateTapPrefixCollision: two overlays whose tap names share the
// 8-byte prefix would derive the same device name for a peer.
func TestValidateTapPrefixCollision(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tap names are not derived on windows")
	}
	cfg := validConfig()
	cfg.Overlays["ffffffffffffffffffffffffffffffff"] = OverlayConfig{
		Type: "TUNNEL", TapName: "ipoptap0extra",
	}
	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collide")
}

func TestEffectiveTapName(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tap names are not derived on windows")
	}
	cfg := validConfig()
	olid := "0123456789abcdef0123456789abcdef"
	peer := "f0123456789abcdef0123456789abcde"
	name := cfg.EffectiveTapName(olid, peer)
	assert.Equal(t, "ipoptap0f012345", name)
	assert.LessOrEqual(t, len(name), 15)

	assert.Empty(t, cfg.EffectiveTapName("unknown", peer))
}

func TestTimerDerivedValues(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 30*time.Second, cfg.TimerInterval())
	assert.Equal(t, 120*time.Second, cfg.LinkExpiry())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipopd.toml")
	content := `
node_id = "a0123456789abcdef0123456789abcde"
timer_interval = 10
stun = ["stun1.example.org:3478"]

[overlays.0123456789abcdef0123456789abcdef]
type = "TUNNEL"
tap_name = "ipoptap0"
ip4 = "10.10.0.2"
mtu4 = 1410
ip4_prefix_len = 24
ignored_net_interfaces = ["eth0"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, validNodeID, cfg.NodeID)
	assert.Equal(t, 10, cfg.TimerIntervalSecs)
	assert.Equal(t, []string{"stun1.example.org:3478"}, cfg.Stun)
	require.Len(t, cfg.Overlays, 1)
	ol := cfg.Overlays["0123456789abcdef0123456789abcdef"]
	assert.Equal(t, "ipoptap0", ol.TapName)
	assert.Equal(t, 1410, ol.MTU4)
	assert.Equal(t, []string{"eth0"}, ol.IgnoredNetInterfaces)
	// Defaults fill what the file omits.
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/ipopd.toml")
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipopd.toml")
	content := `
node_id = "not-a-node-id"
[overlays.ov1]
type = "TUNNEL"
tap_name = "ipoptap0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
