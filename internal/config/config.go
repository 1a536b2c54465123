// Package config loads the YAML config file and applies environment
// overrides. File fields are pointers so an explicit zero is
// distinguishable from unset; Resolve flattens everything into concrete
// settings with defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type File struct {
	Addr                       *string                 `yaml:"addr"`
	DBPath                     *string                 `yaml:"db_path"`
	ExecuteAsynchronously      *bool                   `yaml:"execute_asynchronously"`
	EnableExperimentalFeatures *bool                   `yaml:"enable_experimental_features"`
	WorkerCount                *int                    `yaml:"worker_count"`
	RunTimeoutSeconds          *int                    `yaml:"run_timeout_seconds"`
	DefaultProvider            *string                 `yaml:"default_provider"`
	Providers                  map[string]ProviderFile `yaml:"providers"`
}

type ProviderFile struct {
	BaseURL *string `yaml:"base_url"`
}

// Settings is the resolved runtime configuration.
type Settings struct {
	Addr            string
	DBPath          string
	Async           bool
	Experimental    bool
	Workers         int
	RunTimeout      time.Duration
	DefaultProvider string
	// ProviderBaseURLs overrides provider API endpoints, keyed by provider
	// name. Empty means the pilot's built-in endpoint.
	ProviderBaseURLs map[string]string
}

// Load reads path (optional; empty or missing file yields defaults), then
// applies environment overrides, then resolves defaults.
func Load(path string) (Settings, error) {
	var f File
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("reading config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Settings{}, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	if err := applyEnv(&f); err != nil {
		return Settings{}, err
	}
	return resolve(f), nil
}

func applyEnv(f *File) error {
	if v := os.Getenv("QONTROL_ADDR"); v != "" {
		f.Addr = &v
	}
	if v := os.Getenv("QONTROL_DB_PATH"); v != "" {
		f.DBPath = &v
	}
	if v := os.Getenv("EXECUTE_ASYNCHRONOUSLY"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("EXECUTE_ASYNCHRONOUSLY: %w", err)
		}
		f.ExecuteAsynchronously = &b
	}
	if v := os.Getenv("ENABLE_EXPERIMENTAL_FEATURES"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("ENABLE_EXPERIMENTAL_FEATURES: %w", err)
		}
		f.EnableExperimentalFeatures = &b
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKER_COUNT: %w", err)
		}
		f.WorkerCount = &n
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}

func resolve(f File) Settings {
	s := Settings{
		Addr:            ":5005",
		DBPath:          "qontrol.db",
		Async:           true,
		Experimental:    false,
		Workers:         4,
		RunTimeout:      5 * time.Minute,
		DefaultProvider: "ibm",
	}
	if f.Addr != nil {
		s.Addr = *f.Addr
	}
	if f.DBPath != nil {
		s.DBPath = *f.DBPath
	}
	if f.ExecuteAsynchronously != nil {
		s.Async = *f.ExecuteAsynchronously
	}
	if f.EnableExperimentalFeatures != nil {
		s.Experimental = *f.EnableExperimentalFeatures
	}
	if f.WorkerCount != nil && *f.WorkerCount > 0 {
		s.Workers = *f.WorkerCount
	}
	if f.RunTimeoutSeconds != nil && *f.RunTimeoutSeconds > 0 {
		s.RunTimeout = time.Duration(*f.RunTimeoutSeconds) * time.Second
	}
	if f.DefaultProvider != nil && *f.DefaultProvider != "" {
		s.DefaultProvider = *f.DefaultProvider
	}
	s.ProviderBaseURLs = map[string]string{}
	for name, pf := range f.Providers {
		if pf.BaseURL != nil {
			s.ProviderBaseURLs[strings.ToLower(name)] = *pf.BaseURL
		}
	}
	return s
}
