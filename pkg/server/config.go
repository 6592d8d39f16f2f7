package server

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/velvetlabs/spindate/pkg/match"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger      *slog.Logger
	ListenAddr  string
	VersionInfo VersionInfo

	Engine    *match.Engine
	Scheduler *match.Scheduler
	Bus       *match.Bus

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Per-IP command rate limit.
	RateLimit rate.Limit
	RateBurst int

	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Bus == nil {
		return errors.New("event bus is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		// 120 commands/minute per IP covers a 1s heartbeat with headroom.
		cfg.RateLimit = rate.Every(time.Minute / 120)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 30
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}
