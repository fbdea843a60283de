package config

import "github.com/spf13/viper"

// Default values applied before the config file and environment are read.
const (
	DefaultTimerIntervalSecs = 30
	DefaultQueueSize         = 256
	DefaultOverlayType       = "TUNNEL"
)

// setDefaults seeds viper with the daemon defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("timer_interval", DefaultTimerIntervalSecs)
	v.SetDefault("queue_size", DefaultQueueSize)
	v.SetDefault("stun", []string{"stun.l.google.com:19302"})
	v.SetDefault("data_dir", "")
}
