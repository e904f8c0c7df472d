package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chitpool/backend/internal/reconcile"
)

// Config holds the server's tunables. All windows have working defaults;
// the YAML file only overrides what it names. Durations are plain integer
// seconds or milliseconds in the file so the YAML stays hand-editable.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Outbox struct {
		NotifyChannel       string `yaml:"notify_channel"`
		FallbackIntervalSec int    `yaml:"fallback_interval_seconds"`
	} `yaml:"outbox"`

	Scheduler struct {
		BatchSize int32 `yaml:"batch_size"`
	} `yaml:"scheduler"`

	// Late-joiner classification windows.
	Reconcile struct {
		StaleAfterSec     int `yaml:"stale_after_seconds"`
		SkipThresholdMs   int `yaml:"skip_threshold_ms"`
		RecentToleranceMs int `yaml:"recent_tolerance_ms"`
	} `yaml:"reconcile"`
}

// FallbackInterval is how often the outbox relay drains without a notify.
func (c *Config) FallbackInterval() time.Duration {
	return time.Duration(c.Outbox.FallbackIntervalSec) * time.Second
}

// ReconcileConfig converts the YAML windows into the classifier's config.
func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		StaleAfter:      time.Duration(c.Reconcile.StaleAfterSec) * time.Second,
		SkipThreshold:   time.Duration(c.Reconcile.SkipThresholdMs) * time.Millisecond,
		RecentTolerance: time.Duration(c.Reconcile.RecentToleranceMs) * time.Millisecond,
	}
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = getEnv("PORT", "8080")
	cfg.NATS.URL = getEnv("NATS_URL", "nats://localhost:4222")
	cfg.Outbox.NotifyChannel = "chit_outbox_events"
	cfg.Outbox.FallbackIntervalSec = 30
	cfg.Scheduler.BatchSize = 100

	def := reconcile.DefaultConfig()
	cfg.Reconcile.StaleAfterSec = int(def.StaleAfter / time.Second)
	cfg.Reconcile.SkipThresholdMs = int(def.SkipThreshold / time.Millisecond)
	cfg.Reconcile.RecentToleranceMs = int(def.RecentTolerance / time.Millisecond)
	return cfg
}

func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
