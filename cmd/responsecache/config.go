package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	rules "github.com/always-cache/responsecache/pkg/route-rules"
)

// Config is the optional configuration file. Flags override its values.
type Config struct {
	Origin       string        `yaml:"origin"`
	Host         string        `yaml:"host"`
	BaseURL      string        `yaml:"baseUrl"`
	Profile      string        `yaml:"profile"`
	TTL          time.Duration `yaml:"ttl"`
	MaxTTL       time.Duration `yaml:"maxTtl"`
	ContentTypes []string      `yaml:"contentTypes"`
	Vary         []string      `yaml:"vary"`
	Rules        rules.Rules   `yaml:"rules"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
