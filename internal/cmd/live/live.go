// Package live parses live command flags and composes transport entrypoints.
package live

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/f1stats/pitwall/internal/platform/cmd"
	platformgrpc "github.com/f1stats/pitwall/internal/platform/grpc"
	server "github.com/f1stats/pitwall/internal/services/live/app"
	"github.com/f1stats/pitwall/internal/services/live/filter"
	"github.com/f1stats/pitwall/internal/services/live/upstream"
)

// Config holds live command configuration.
type Config struct {
	HTTPAddr string `env:"PITWALL_LIVE_HTTP_ADDR" envDefault:":5000"`
	GRPCAddr string `env:"PITWALL_LIVE_GRPC_ADDR" envDefault:":5002"`

	UpstreamBaseURL     string        `env:"PITWALL_UPSTREAM_BASE_URL"      envDefault:"https://f1connectapi.vercel.app/api/current/last"`
	UpstreamResultLimit int           `env:"PITWALL_UPSTREAM_RESULT_LIMIT"  envDefault:"5"`
	UpstreamTimeout     time.Duration `env:"PITWALL_UPSTREAM_TIMEOUT"       envDefault:"10s"`
	UpstreamMaxAttempts int           `env:"PITWALL_UPSTREAM_MAX_ATTEMPTS"  envDefault:"3"`
	UpstreamRetryDelay  time.Duration `env:"PITWALL_UPSTREAM_RETRY_DELAY"   envDefault:"1s"`

	PollInterval        time.Duration `env:"PITWALL_POLL_INTERVAL"          envDefault:"10s"`
	CacheTTL            time.Duration `env:"PITWALL_CACHE_TTL"              envDefault:"10s"`
	RateLimitMaxBackoff time.Duration `env:"PITWALL_RATE_LIMIT_MAX_BACKOFF" envDefault:"2m"`
	Filters             []string      `env:"PITWALL_FILTERS"                envDefault:"fp1,fp2,fp3,qualy,race" envSeparator:","`
	InvalidateOnIdle    bool          `env:"PITWALL_INVALIDATE_ON_IDLE"     envDefault:"true"`

	JWTSecret   string `env:"PITWALL_JWT_SECRET"`
	AuditDBPath string `env:"PITWALL_AUDIT_DB_PATH"`

	// HealthCheck checks a running instance instead of serving.
	HealthCheck        bool
	HealthCheckFilter  string
	HealthCheckTimeout time.Duration `env:"PITWALL_HEALTHCHECK_TIMEOUT" envDefault:"3s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "live HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.UpstreamBaseURL, "upstream-base-url", cfg.UpstreamBaseURL, "F1 data provider base URL")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "refresh period per watched filter")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "freshness window of cached payloads")
	fs.Func("filters", "comma-separated session filters (default "+strings.Join(cfg.Filters, ",")+")", func(value string) error {
		cfg.Filters = splitList(value)
		if len(cfg.Filters) == 0 {
			return fmt.Errorf("at least one filter is required")
		}
		return nil
	})
	fs.StringVar(&cfg.AuditDBPath, "audit-db", cfg.AuditDBPath, "SQLite fetch audit log path (empty disables)")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "check the gRPC health service of a running instance and exit")
	fs.StringVar(&cfg.HealthCheckFilter, "healthcheck-filter", "", "filter whose poller must be SERVING (empty checks the process)")
	fs.DurationVar(&cfg.HealthCheckTimeout, "healthcheck-timeout", cfg.HealthCheckTimeout, "how long the check waits for SERVING")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the live app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLive, func(ctx context.Context) error {
		if err := server.Run(ctx, serverConfig(cfg)); err != nil {
			return fmt.Errorf("serve live: %w", err)
		}
		return nil
	})
}

// CheckHealth waits for the instance at cfg.GRPCAddr to report SERVING, for
// the whole process or for one filter's poller.
func CheckHealth(ctx context.Context, cfg Config) error {
	service, err := healthServiceName(cfg)
	if err != nil {
		return err
	}
	if err := platformgrpc.CheckHealth(ctx, cfg.GRPCAddr, service, cfg.HealthCheckTimeout, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func healthServiceName(cfg Config) (string, error) {
	if strings.TrimSpace(cfg.HealthCheckFilter) == "" {
		return "", nil
	}
	set, err := filter.NewSet(cfg.Filters...)
	if err != nil {
		return "", err
	}
	f, err := set.Parse(cfg.HealthCheckFilter)
	if err != nil {
		return "", err
	}
	return server.HealthServiceName(f), nil
}

func serverConfig(cfg Config) server.Config {
	return server.Config{
		HTTPAddr: cfg.HTTPAddr,
		GRPCAddr: cfg.GRPCAddr,
		Upstream: upstream.Config{
			BaseURL:     cfg.UpstreamBaseURL,
			ResultLimit: cfg.UpstreamResultLimit,
			Timeout:     cfg.UpstreamTimeout,
			MaxAttempts: cfg.UpstreamMaxAttempts,
			RetryDelay:  cfg.UpstreamRetryDelay,
		},
		Filters:             cfg.Filters,
		PollInterval:        cfg.PollInterval,
		CacheTTL:            cfg.CacheTTL,
		RateLimitMaxBackoff: cfg.RateLimitMaxBackoff,
		InvalidateOnIdle:    cfg.InvalidateOnIdle,
		JWTSecret:           cfg.JWTSecret,
		AuditDBPath:         cfg.AuditDBPath,
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
