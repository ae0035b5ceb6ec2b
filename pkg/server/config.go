package server

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/malbeclabs/drip/pkg/distributor"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	Distributor       *distributor.Distributor

	// AllowedOrigins configures CORS for browser callers.
	AllowedOrigins []string

	// MutateRate and MutateBurst bound the per-IP rate of the mutating
	// routes (deposits, drains, recovery).
	MutateRate  rate.Limit
	MutateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.MutateRate == 0 {
		cfg.MutateRate = rate.Every(time.Minute / 60)
	}
	if cfg.MutateBurst <= 0 {
		cfg.MutateBurst = 10
	}
	return nil
}
