// Package config loads and validates the daemon configuration.
package config

import (
	"runtime"
	"time"
)

// Tap name derivation constants. On POSIX the per-peer device name is the
// overlay prefix joined with a peer id prefix so sibling tunnels get unique
// devices; Windows TAP drivers use the preinstalled adapter name verbatim.
const (
	TapPrefixLen     = 8
	TapPeerSuffixLen = 7
)

// OverlayConfig is one overlay's profile.
type OverlayConfig struct {
	Type                 string   `mapstructure:"type"`
	TapName              string   `mapstructure:"tap_name"`
	IP4                  string   `mapstructure:"ip4"`
	MTU4                 int      `mapstructure:"mtu4"`
	IP4PrefixLen         int      `mapstructure:"ip4_prefix_len"`
	IgnoredNetInterfaces []string `mapstructure:"ignored_net_interfaces"`
}

// Config is the complete process configuration, read-only after load.
type Config struct {
	// NodeID is this node's 128-bit identity in lowercase hex.
	NodeID string `mapstructure:"node_id"`
	// TimerIntervalSecs is the health monitor period in seconds.
	TimerIntervalSecs int `mapstructure:"timer_interval"`
	// Stun lists the STUN servers handed to the datapath.
	Stun []string `mapstructure:"stun"`
	// Turn lists optional TURN servers.
	Turn []string `mapstructure:"turn"`
	// Overlays maps overlay id to its profile.
	Overlays map[string]OverlayConfig `mapstructure:"overlays"`
	// DataDir is the root for persisted state; empty disables persistence.
	DataDir string `mapstructure:"data_dir"`
	// QueueSize is the task bus per-module queue depth.
	QueueSize int `mapstructure:"queue_size"`

	configPath string
}

// TimerInterval returns the health monitor period.
func (c *Config) TimerInterval() time.Duration {
	return time.Duration(c.TimerIntervalSecs) * time.Second
}

// LinkExpiry returns how long an incomplete handshake may live before the
// expiry sweep reclaims it.
func (c *Config) LinkExpiry() time.Duration {
	return 4 * c.TimerInterval()
}

// OverlayIDs returns the configured overlay ids.
func (c *Config) OverlayIDs() []string {
	ids := make([]string, 0, len(c.Overlays))
	for id := range c.Overlays {
		ids = append(ids, id)
	}
	return ids
}

// EffectiveTapName derives the per-peer tap device name for an overlay. On
// POSIX it is TapName truncated to 8 bytes plus the first 7 of the peer id;
// on Windows the configured name is used verbatim.
func (c *Config) EffectiveTapName(overlayID, peerID string) string {
	ol, ok := c.Overlays[overlayID]
	if !ok {
		return ""
	}
	if runtime.GOOS == "windows" {
		return ol.TapName
	}
	return tapPrefix(ol.TapName) + peerPrefix(peerID)
}

func tapPrefix(name string) string {
	if len(name) > TapPrefixLen {
		return name[:TapPrefixLen]
	}
	return name
}

func peerPrefix(peerID string) string {
	if len(peerID) > TapPeerSuffixLen {
		return peerID[:TapPeerSuffixLen]
	}
	return peerID
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.configPath
}
