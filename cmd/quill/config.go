package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all quill configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	PlanningURL    string `json:"planning_url"`
	GeneratingURL  string `json:"generating_url"`
	ReflectingURL  string `json:"reflecting_url"`
	NotebookURL    string `json:"notebook_url"`
	AuthToken      string `json:"auth_token"`
	MaxTransitions int    `json:"max_transitions"`
	SnapshotEvery  int    `json:"snapshot_every"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(quillDir(), "quill.db"),
		LogLevel: "info",
	}
}

func quillDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quill"
	}
	return filepath.Join(home, ".quill")
}

func settingsPath() string {
	return filepath.Join(quillDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("QUILL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUILL_PLANNING_URL"); v != "" {
		cfg.PlanningURL = v
	}
	if v := os.Getenv("QUILL_GENERATING_URL"); v != "" {
		cfg.GeneratingURL = v
	}
	if v := os.Getenv("QUILL_REFLECTING_URL"); v != "" {
		cfg.ReflectingURL = v
	}
	if v := os.Getenv("QUILL_NOTEBOOK_URL"); v != "" {
		cfg.NotebookURL = v
	}
	if v := os.Getenv("QUILL_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("QUILL_MAX_TRANSITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTransitions = n
		}
	}
	if v := os.Getenv("QUILL_SNAPSHOT_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SnapshotEvery = n
		}
	}

	return cfg
}
