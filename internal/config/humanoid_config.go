// File: internal/config/humanoid_config.go
// This file defines the HumanoidConfig struct, which holds the tunable
// parameters of the simulated typist. The editor only honours real key events,
// so every character of a title goes through this cadence model.
package config

import (
	"github.com/spf13/viper"
)

// HumanoidConfig tunes the keystroke cadence used when typing into the editor.
// Delays are in milliseconds.
type HumanoidConfig struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	KeyPauseMean     float64 `mapstructure:"key_pause_mean" yaml:"key_pause_mean"`
	KeyPauseStdDev   float64 `mapstructure:"key_pause_std_dev" yaml:"key_pause_std_dev"`
	KeyPauseMin      float64 `mapstructure:"key_pause_min" yaml:"key_pause_min"`
	KeyHoldMean      float64 `mapstructure:"key_hold_mean" yaml:"key_hold_mean"`
	KeyHoldStdDev    float64 `mapstructure:"key_hold_std_dev" yaml:"key_hold_std_dev"`
	DigraphFactor    float64 `mapstructure:"digraph_factor" yaml:"digraph_factor"`
	TrigraphFactor   float64 `mapstructure:"trigraph_factor" yaml:"trigraph_factor"`
	TypoRate         float64 `mapstructure:"typo_rate" yaml:"typo_rate"`
	TypoCorrectPause float64 `mapstructure:"typo_correct_pause" yaml:"typo_correct_pause"`
}

// setHumanoidDefaults registers the cadence defaults under browser.humanoid.
func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("browser.humanoid.enabled", true)
	v.SetDefault("browser.humanoid.key_pause_mean", 70.0)
	v.SetDefault("browser.humanoid.key_pause_std_dev", 28.0)
	v.SetDefault("browser.humanoid.key_pause_min", 35.0)
	v.SetDefault("browser.humanoid.key_hold_mean", 45.0)
	v.SetDefault("browser.humanoid.key_hold_std_dev", 12.0)
	v.SetDefault("browser.humanoid.digraph_factor", 0.7)
	v.SetDefault("browser.humanoid.trigraph_factor", 0.55)
	v.SetDefault("browser.humanoid.typo_rate", 0.0)
	v.SetDefault("browser.humanoid.typo_correct_pause", 180.0)
}
