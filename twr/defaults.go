package twr

import "github.com/creasty/defaults"

func setConfigDefaults(cfg *Config) error {
	return defaults.Set(cfg)
}
