package redisstream

import "github.com/pkg/errors"

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// MaxLen caps each stream; zero leaves streams unbounded.
	MaxLen int64 `yaml:"max_len"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "chatsync-ui",
		Consumer: "ui-1",
		MaxLen:   10000,
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Addr == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if s.Group == "" || s.Consumer == "" {
		return errors.New("redis: group and consumer are required when enabled")
	}
	if s.MaxLen < 0 {
		return errors.New("redis: max_len must not be negative")
	}
	return nil
}
