package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration decodes TOML strings such as "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type Auction struct {
	RoundDuration Duration `toml:"round_duration"`
	// TickInterval is how often the scheduler checks round deadlines.
	TickInterval Duration `toml:"tick_interval"`
	// RestartDelay is the pause between a completed round and the next.
	RestartDelay  Duration `toml:"restart_delay"`
	AutoStart     bool     `toml:"auto_start"`
	MaxAmount     int64    `toml:"max_amount"`
	MaxPriceLimit int64    `toml:"max_price_limit"`
	MaxPayload    int      `toml:"max_payload"`
}

type Node struct {
	DataDir string `toml:"data_dir"`
	// InMemory keeps all state in process; nothing survives a restart.
	InMemory bool   `toml:"in_memory"`
	LogFile  string `toml:"log_file"`
	LogLevel string `toml:"log_level"`
}

type Keys struct {
	// TimelockSeed is hex. Empty generates a fresh master key each boot,
	// which makes sealed orders of earlier runs undecryptable.
	TimelockSeed string `toml:"timelock_seed"`
	// AttestationSeed is hex, at least 32 bytes. Empty disables result signing.
	AttestationSeed string `toml:"attestation_seed"`
	ChainID         int64  `toml:"chain_id"`
}

type API struct {
	Addr        string   `toml:"addr"`
	AdminToken  string   `toml:"admin_token"`
	CORSOrigins []string `toml:"cors_origins"`
}

type Redis struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Prefix     string `toml:"prefix"`
}

type Postgres struct {
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
	MinConns int    `toml:"min_conns"`
}

type S3 struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Config is the node configuration. Optional sinks (Redis, Postgres, S3) are
// enabled by setting their address, DSN or bucket.
type Config struct {
	Auction  Auction  `toml:"auction"`
	Node     Node     `toml:"node"`
	Keys     Keys     `toml:"keys"`
	API      API      `toml:"api"`
	Redis    Redis    `toml:"redis"`
	Postgres Postgres `toml:"postgres"`
	S3       S3       `toml:"s3"`
}

func Default() Config {
	return Config{
		Auction: Auction{
			RoundDuration: Duration{30 * time.Second},
			TickInterval:  Duration{250 * time.Millisecond},
			RestartDelay:  Duration{5 * time.Second},
			AutoStart:     true,
			MaxAmount:     1_000_000_000_000,
			MaxPriceLimit: 1_000_000_000_000,
			MaxPayload:    4096,
		},
		Node: Node{
			DataDir:  "data",
			LogLevel: "info",
		},
		Keys: Keys{
			ChainID: 1337,
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Redis: Redis{
			PoolSize: 10,
			Prefix:   "veil:",
		},
		Postgres: Postgres{
			MaxConns: 10,
			MinConns: 1,
		},
		S3: S3{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
	}
}

// Load builds the configuration. Priority: ENV > .env file > TOML file > defaults.
// An empty path skips the TOML file; an empty envPath loads .env from the
// working directory if present.
func Load(path, envPath string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Auction.RoundDuration.Duration <= 0 {
		errs = append(errs, errors.New("auction.round_duration must be positive"))
	}
	if c.Auction.TickInterval.Duration <= 0 {
		errs = append(errs, errors.New("auction.tick_interval must be positive"))
	}
	if c.Auction.RestartDelay.Duration < 0 {
		errs = append(errs, errors.New("auction.restart_delay must not be negative"))
	}
	if c.Auction.MaxAmount <= 0 || c.Auction.MaxPriceLimit <= 0 || c.Auction.MaxPayload <= 0 {
		errs = append(errs, errors.New("auction limits must be positive"))
	}
	if !c.Node.InMemory && c.Node.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir is required unless node.in_memory is set"))
	}
	if c.S3.Bucket != "" && (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, errors.New("s3.access_key and s3.secret_key must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Auction
	setDuration(&cfg.Auction.RoundDuration, "VEIL_ROUND_DURATION")
	setDuration(&cfg.Auction.TickInterval, "VEIL_TICK_INTERVAL")
	setDuration(&cfg.Auction.RestartDelay, "VEIL_RESTART_DELAY")
	setBool(&cfg.Auction.AutoStart, "VEIL_AUTO_START")
	setInt64(&cfg.Auction.MaxAmount, "VEIL_MAX_AMOUNT")
	setInt64(&cfg.Auction.MaxPriceLimit, "VEIL_MAX_PRICE_LIMIT")
	setInt(&cfg.Auction.MaxPayload, "VEIL_MAX_PAYLOAD")

	// Node
	setStr(&cfg.Node.DataDir, "VEIL_DATA_DIR")
	setBool(&cfg.Node.InMemory, "VEIL_IN_MEMORY")
	setStr(&cfg.Node.LogFile, "VEIL_LOG_FILE")
	setStr(&cfg.Node.LogLevel, "VEIL_LOG_LEVEL")

	// Keys
	setStr(&cfg.Keys.TimelockSeed, "VEIL_TIMELOCK_SEED")
	setStr(&cfg.Keys.AttestationSeed, "VEIL_ATTESTATION_SEED")
	setInt64(&cfg.Keys.ChainID, "VEIL_CHAIN_ID")

	// API
	setStr(&cfg.API.Addr, "VEIL_API_ADDR")
	setStr(&cfg.API.AdminToken, "VEIL_ADMIN_TOKEN")
	setStringSlice(&cfg.API.CORSOrigins, "VEIL_CORS_ORIGINS")

	// Redis
	setStr(&cfg.Redis.Addr, "VEIL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VEIL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VEIL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VEIL_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "VEIL_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "VEIL_REDIS_PREFIX")

	// Postgres
	setStr(&cfg.Postgres.DSN, "VEIL_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "VEIL_POSTGRES_MAX_CONNS")
	setInt(&cfg.Postgres.MinConns, "VEIL_POSTGRES_MIN_CONNS")

	// S3
	setStr(&cfg.S3.Endpoint, "VEIL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VEIL_S3_REGION")
	setStr(&cfg.S3.Bucket, "VEIL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VEIL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VEIL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VEIL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VEIL_S3_FORCE_PATH_STYLE")
}

// Each setter only mutates the target when the variable is present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
