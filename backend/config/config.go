package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	maxProviderTimeout = 15 * time.Second
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

// Config holds all configuration for the relay. Every flag defaults from an
// environment variable, and .env is loaded first if present.
type Config struct {
	HTTPListenAddr string
	WSListenAddr   string
	LogLevel       string
	LogFormat      string
	StaticDir      string
	StorageDSN     string

	RecoveryLimit  int
	MaxTextBytes   int
	MaxMediaBytes  int64
	WireBufferSize int
	AuthTimeout    time.Duration
	ForwardTimeout time.Duration

	Provider        string
	ProviderURL     string
	ProviderAPIKey  string
	ProviderTimeout time.Duration
	MaxParticipants int
	RoomTTL         time.Duration
}

func Parse(args []string) (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{}
	fs := pflag.NewFlagSet("synapse-relay", pflag.ContinueOnError)

	fs.StringVarP(&cfg.HTTPListenAddr, "http-listen-addr", "a",
		env.String("HTTP_LISTEN_ADDR", ":8080"), "static assets, health and metrics listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w",
		env.String("WS_LISTEN_ADDR", ":8888"), "websocket relay listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l",
		env.String("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format",
		env.String("LOG_FORMAT", "json"), "log format: json or console")
	fs.StringVar(&cfg.StaticDir, "static-dir",
		env.String("STATIC_DIR", "./public"), "directory with client assets")
	fs.StringVarP(&cfg.StorageDSN, "storage", "s",
		env.String("STORAGE_DSN", "memory://"), "message store: memory://, sqlite://path, postgres://..., redis://...")

	fs.IntVar(&cfg.RecoveryLimit, "recovery-limit",
		env.Int("RECOVERY_LIMIT", 50), "max events replayed on connect")
	fs.IntVar(&cfg.MaxTextBytes, "max-text-bytes",
		env.Int("MAX_TEXT_BYTES", 64<<10), "max text message size")
	fs.Int64Var(&cfg.MaxMediaBytes, "max-media-bytes",
		env.Int64("MAX_MEDIA_BYTES", 50<<20), "max decoded image or audio size")
	fs.IntVar(&cfg.WireBufferSize, "wire-buffer",
		env.Int("WIRE_BUFFER", 128), "outbound announcements buffered per connection")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout",
		env.Duration("AUTH_TIMEOUT", 5*time.Second), "time allowed for the auth frame")
	fs.DurationVar(&cfg.ForwardTimeout, "forward-timeout",
		env.Duration("FORWARD_TIMEOUT", time.Second), "time after which a connection is considered dead")

	fs.StringVar(&cfg.Provider, "provider",
		env.String("CALL_PROVIDER", "jitsi"), "call room provider: jitsi or daily")
	fs.StringVar(&cfg.ProviderURL, "provider-url",
		env.String("CALL_PROVIDER_URL", ""), "provider base url")
	fs.StringVar(&cfg.ProviderAPIKey, "provider-api-key",
		env.String("CALL_PROVIDER_API_KEY", ""), "provider api key")
	fs.DurationVar(&cfg.ProviderTimeout, "provider-timeout",
		env.Duration("CALL_PROVIDER_TIMEOUT", 10*time.Second), "call room creation timeout, at most 15s")
	fs.IntVar(&cfg.MaxParticipants, "max-participants",
		env.Int("CALL_MAX_PARTICIPANTS", 8), "call room participant ceiling")
	fs.DurationVar(&cfg.RoomTTL, "room-ttl",
		env.Duration("CALL_ROOM_TTL", time.Hour), "expiry of unjoined call rooms, also sent to the provider")

	if env.err != nil {
		return nil, env.err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (cfg *Config) validate() error {
	if cfg.ProviderTimeout <= 0 || cfg.ProviderTimeout > maxProviderTimeout {
		cfg.ProviderTimeout = maxProviderTimeout
	}
	var errs []error
	for name, v := range map[string]int64{
		"recovery-limit":   int64(cfg.RecoveryLimit),
		"max-text-bytes":   int64(cfg.MaxTextBytes),
		"max-media-bytes":  cfg.MaxMediaBytes,
		"wire-buffer":      int64(cfg.WireBufferSize),
		"max-participants": int64(cfg.MaxParticipants),
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalid, name))
		}
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log format %q", ErrInvalid, cfg.LogFormat))
	}
	return errors.Join(errs...)
}

type envReader struct {
	err error
}

func (e *envReader) String(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) Int(key string, def int) int {
	return int(e.Int64(key, int64(def)))
}

func (e *envReader) Int64(key string, def int64) int64 {
	v := e.String(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
		return def
	}
	return n
}

func (e *envReader) Duration(key string, def time.Duration) time.Duration {
	v := e.String(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err))
		return def
	}
	return d
}
