package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTerminateGrace is how long a terminated engine may take to exit
// before it is killed.
const DefaultTerminateGrace = 10 * time.Second

// ErrNoCommand is returned when an engine config names no executable.
var ErrNoCommand = errors.New("engine config: command is required")

// EngineConfig describes how to start the external analysis engine.
type EngineConfig struct {
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Dir         string            `yaml:"dir" json:"dir"`

	// TerminateGraceSeconds bounds the wait between a terminate request and a kill.
	TerminateGraceSeconds int `yaml:"terminate_grace_seconds" json:"terminate_grace_seconds"`
}

// TerminateGrace returns the configured grace, or DefaultTerminateGrace.
func (c EngineConfig) TerminateGrace() time.Duration {
	if c.TerminateGraceSeconds <= 0 {
		return DefaultTerminateGrace
	}
	return time.Duration(c.TerminateGraceSeconds) * time.Second
}

// Validate checks the config is usable.
func (c EngineConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return ErrNoCommand
	}
	for k := range c.Environment {
		if k == "" || strings.ContainsAny(k, "= ") {
			return fmt.Errorf("engine config: invalid environment key %q", k)
		}
	}
	return nil
}

type engineFile struct {
	Engine EngineConfig `yaml:"engine" json:"engine"`
}

// LoadEngineConfig reads an engine description from a YAML or JSON file.
// The file holds a single top-level "engine" object.
func LoadEngineConfig(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("failed to read engine config: %w", err)
	}

	var f engineFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &f); err != nil {
			return EngineConfig{}, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	} else {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return EngineConfig{}, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	}

	if f.Engine.Dir != "" && !filepath.IsAbs(f.Engine.Dir) {
		f.Engine.Dir = filepath.Join(filepath.Dir(path), f.Engine.Dir)
	}
	if err := f.Engine.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return f.Engine, nil
}
