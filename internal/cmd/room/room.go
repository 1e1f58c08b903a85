// Package room parses room command flags and composes the lobby entrypoint.
package room

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/gridmatch/gridmatch/internal/platform/cmd"
	server "github.com/gridmatch/gridmatch/internal/services/room/app"
)

// Config holds room command configuration.
type Config struct {
	HTTPAddr           string `env:"GRIDMATCH_ROOM_HTTP_ADDR"    envDefault:":8002"`
	MatchServiceURL    string `env:"GRIDMATCH_MATCH_URL"         envDefault:"http://localhost:8003"`
	IdentityServiceURL string `env:"GRIDMATCH_IDENTITY_URL"`
	JWTSecret          string `env:"GRIDMATCH_JWT_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "room HTTP listen address")
	fs.StringVar(&cfg.MatchServiceURL, "match-url", cfg.MatchServiceURL, "match service base URL")
	fs.StringVar(&cfg.IdentityServiceURL, "identity-url", cfg.IdentityServiceURL, "identity service base URL")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "shared JWT signing secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the room app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	if err := server.Run(ctx, server.Config{
		HTTPAddr:           cfg.HTTPAddr,
		MatchServiceURL:    cfg.MatchServiceURL,
		IdentityServiceURL: cfg.IdentityServiceURL,
		JWTSecret:          cfg.JWTSecret,
	}); err != nil {
		return fmt.Errorf("serve room: %w", err)
	}
	return nil
}
