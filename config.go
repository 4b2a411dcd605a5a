package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/icexin/gocraft-collab/proto"
)

const DefaultListenAddr = ":6000"

type Config struct {
	Listen       string `yaml:"listen"`
	MuxListen    string `yaml:"mux_listen"`
	WSListen     string `yaml:"ws_listen"`
	QueueSize    int    `yaml:"queue_size"`
	MaxFrameSize int    `yaml:"max_frame_size"`
}

func DefaultConfig() Config {
	return Config{
		Listen:       DefaultListenAddr,
		QueueSize:    DefaultQueueSize,
		MaxFrameSize: proto.DefaultMaxFrameSize,
	}
}

// LoadConfig reads a yaml config on top of the defaults. An empty path
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) Normalize() {
	c.Listen = strings.TrimSpace(c.Listen)
	c.MuxListen = strings.TrimSpace(c.MuxListen)
	c.WSListen = strings.TrimSpace(c.WSListen)
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = proto.DefaultMaxFrameSize
	}
}
