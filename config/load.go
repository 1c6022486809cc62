package config

import (
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads configuration from the given yaml file (when it exists) and the
// environment. Environment values win over file values.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
