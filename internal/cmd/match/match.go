// Package match parses match command flags and composes the authoritative
// match service entrypoint.
package match

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/gridmatch/gridmatch/internal/platform/cmd"
	server "github.com/gridmatch/gridmatch/internal/services/match/app"
)

// Config holds match command configuration.
type Config struct {
	HTTPAddr           string `env:"GRIDMATCH_MATCH_HTTP_ADDR"  envDefault:":8003"`
	DBPath             string `env:"GRIDMATCH_MATCH_DB_PATH"    envDefault:"gridmatch-match.db"`
	IdentityServiceURL string `env:"GRIDMATCH_IDENTITY_URL"`
	JWTSecret          string `env:"GRIDMATCH_JWT_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "match HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.IdentityServiceURL, "identity-url", cfg.IdentityServiceURL, "identity service base URL")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "shared JWT signing secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the match app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	if err := server.Run(ctx, server.Config{
		HTTPAddr:           cfg.HTTPAddr,
		DBPath:             cfg.DBPath,
		IdentityServiceURL: cfg.IdentityServiceURL,
		JWTSecret:          cfg.JWTSecret,
	}); err != nil {
		return fmt.Errorf("serve match: %w", err)
	}
	return nil
}
