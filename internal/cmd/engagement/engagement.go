// Package engagement parses engagement service flags and launches the
// flush runtime.
package engagement

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/harborcms/harbor/internal/platform/cmd"
	app "github.com/harborcms/harbor/internal/services/engagement/app"
)

// Config holds engagement command configuration.
type Config struct {
	ConfigPath    string        `env:"HARBOR_ENGAGEMENT_CONFIG_PATH" envDefault:"data/engagement.yaml"`
	ContentDBPath string        `env:"HARBOR_ENGAGEMENT_CONTENT_DB_PATH" envDefault:"data/content.db"`
	OutboxDBPath  string        `env:"HARBOR_ENGAGEMENT_OUTBOX_DB_PATH" envDefault:"data/engagement-outbox.db"`
	FlushInterval time.Duration `env:"HARBOR_ENGAGEMENT_FLUSH_INTERVAL" envDefault:"1m"`
	Buffered      bool          `env:"HARBOR_ENGAGEMENT_BUFFERED" envDefault:"true"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "The engagement config file path")
	fs.StringVar(&cfg.ContentDBPath, "content-db", cfg.ContentDBPath, "The content database path")
	fs.StringVar(&cfg.OutboxDBPath, "outbox-db", cfg.OutboxDBPath, "The outbox database path")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "The buffer flush interval")
	fs.BoolVar(&cfg.Buffered, "buffered", cfg.Buffered, "Buffer writes in memory between flushes")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the engagement flush runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEngagement, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			ConfigPath:    cfg.ConfigPath,
			ContentDBPath: cfg.ContentDBPath,
			OutboxDBPath:  cfg.OutboxDBPath,
			FlushInterval: cfg.FlushInterval,
			Buffered:      cfg.Buffered,
		})
	})
}
