package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	VFS      VFSConfig      `yaml:"vfs"`
	Mounts   []MountConfig  `yaml:"mounts"`
	Initrd   InitrdConfig   `yaml:"initrd"`
	Fuse     FuseConfig     `yaml:"fuse"`
}

func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// Load reads configPath, expanding ${VAR} references against the environment
// before decoding.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}
		return nil, fmt.Errorf("failed to read data from config file: %s: %w", configPath, err)
	}

	// Enrich with env variables
	expanded, err := os.CreateTemp("", "vfs-config-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("cannot stage config: %w", err)
	}
	defer os.Remove(expanded.Name())

	if _, err := expanded.Write(expandEnvVars(data)); err != nil {
		expanded.Close()
		return nil, fmt.Errorf("cannot stage config: %w", err)
	}
	if err := expanded.Close(); err != nil {
		return nil, fmt.Errorf("cannot stage config: %w", err)
	}

	// Serialize to struct
	var cfg Config
	if err := cleanenv.ReadConfig(expanded.Name(), &cfg); err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	return &cfg, nil
}

func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
