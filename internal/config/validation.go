package config

import (
	"fmt"
	"runtime"
	"strings"
)

// ValidateConfig checks the loaded configuration for the mistakes that would
// otherwise surface as handshake failures at runtime.
func ValidateConfig(config *Config) error {
	if err := validateNodeID(config.NodeID); err != nil {
		return err
	}
	if config.TimerIntervalSecs < 1 {
		return fmt.Errorf("timer_interval must be at least 1 second, got %d", config.TimerIntervalSecs)
	}
	if config.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", config.QueueSize)
	}
	if len(config.Stun) == 0 {
		return fmt.Errorf("at least one STUN server is required")
	}
	if len(config.Overlays) == 0 {
		return fmt.Errorf("at least one overlay must be configured")
	}
	for id, ol := range config.Overlays {
		if err := validateOverlay(id, ol); err != nil {
			return err
		}
	}
	return validateTapPrefixes(config)
}

func validateNodeID(id string) error {
	if len(id) != 32 {
		return fmt.Errorf("node_id must be 32 hex characters, got %q", id)
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("node_id must be lowercase hex, got %q", id)
		}
	}
	return nil
}

func validateOverlay(id string, ol OverlayConfig) error {
	if ol.TapName == "" {
		return fmt.Errorf("overlay %s: tap_name is required", id)
	}
	// IFNAMSIZ bounds the full derived name on POSIX.
	if runtime.GOOS != "windows" && len(tapPrefix(ol.TapName))+TapPeerSuffixLen > 15 {
		return fmt.Errorf("overlay %s: tap_name %q too long for a derived device name", id, ol.TapName)
	}
	if ol.Type != DefaultOverlayType {
		return fmt.Errorf("overlay %s: unknown type %q", id, ol.Type)
	}
	if ol.MTU4 != 0 && (ol.MTU4 < 576 || ol.MTU4 > 9000) {
		return fmt.Errorf("overlay %s: mtu4 %d out of range", id, ol.MTU4)
	}
	if ol.IP4PrefixLen != 0 && (ol.IP4PrefixLen < 1 || ol.IP4PrefixLen > 32) {
		return fmt.Errorf("overlay %s: ip4_prefix_len %d out of range", id, ol.IP4PrefixLen)
	}
	return nil
}

// validateTapPrefixes rejects overlays whose derived tap names could collide
// for the same peer. The derivation keeps only the first 8 bytes of the
// configured name, so two overlays sharing that prefix would hand the
// datapath the same device name.
func validateTapPrefixes(config *Config) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	seen := make(map[string]string, len(config.Overlays))
	for id, ol := range config.Overlays {
		prefix := tapPrefix(ol.TapName)
		if other, dup := seen[prefix]; dup {
			return fmt.Errorf("overlays %s and %s share tap_name prefix %q; derived device names would collide",
				other, id, strings.TrimSpace(prefix))
		}
		seen[prefix] = id
	}
	return nil
}
