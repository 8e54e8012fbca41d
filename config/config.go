// Package config loads and validates Kairoi's configuration.toml.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Configuration is the root of configuration.toml.
type Configuration struct {
	Log        Log        `toml:"log"`
	Controller Controller `toml:"controller"`
	Database   Database   `toml:"database"`
}

// Log controls log verbosity.
type Log struct {
	Level string `toml:"level" validate:"omitempty,oneof=off error warn info debug trace"`
}

// Controller controls the client-facing TCP listener.
type Controller struct {
	Listen string `toml:"listen" validate:"omitempty,hostname_port"`
}

// Database controls the durable storage layer and the engine tick rate.
type Database struct {
	Persistence    *bool `toml:"persistence"`
	FsyncOnPersist *bool `toml:"fsync_on_persist"`
	Framerate      int   `toml:"framerate" validate:"min=1,max=65535"`
}

func defaults() Configuration {
	persistence, fsync := true, true
	return Configuration{
		Log:        Log{Level: "info"},
		Controller: Controller{Listen: "127.0.0.1:5678"},
		Database:   Database{Persistence: &persistence, FsyncOnPersist: &fsync, Framerate: 512},
	}
}

// Load reads and validates configuration.toml at path. A missing file is
// not an error: Kairoi runs on defaults when the file isn't present.
func Load(path string) (*Configuration, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SlogLevel converts Log.Level to an slog.Level. "off" and "trace" have no
// slog equivalent: "off" maps to a level above Error (nothing logs),
// "trace" maps to Debug.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "off":
		return slog.LevelError + 1
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug", "trace":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
