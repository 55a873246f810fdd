package device

import "github.com/creasty/defaults"

// setDefaults fills zero-valued Config fields from their `default` struct
// tags, the way every option struct in this driver is decorated.
func setDefaults(cfg *Config) error {
	return defaults.Set(cfg)
}
