package app

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/CipherKV/src"
	"github.com/Blackdeer1524/CipherKV/src/cipher"
	"github.com/Blackdeer1524/CipherKV/src/db"
	"github.com/Blackdeer1524/CipherKV/src/storage/disk"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"

	EnvPrefix = "CIPHERKV"

	DefaultConfigFile = "cipherkv.toml"
	DefaultEnvFile    = ".env"
	DefaultStorePath  = "cipherkv.db"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNoKey         = errors.New("no key configured")
)

// Config is read from a TOML file and then overridden by CIPHERKV_*
// variables, e.g. CIPHERKV_STORE_PATH or CIPHERKV_LOGGING_LEVEL.
type Config struct {
	Environment string `toml:"environment" split_words:"true"`

	// Key is never read from the config file.
	Key     string `toml:"-" split_words:"true"`
	KeyFile string `toml:"key_file" split_words:"true"`

	Store   StoreConfig   `toml:"store"`
	Argon2  Argon2Config  `toml:"argon2"`
	Logging LoggingConfig `toml:"logging"`
}

type StoreConfig struct {
	Path      string `toml:"path" split_words:"true"`
	PageSize  uint32 `toml:"page_size" split_words:"true"`
	MaxPages  uint32 `toml:"max_pages" split_words:"true"`
	CacheSize uint64 `toml:"cache_size" split_words:"true"`
	KDF       string `toml:"kdf" split_words:"true"`
	Workers   int    `toml:"workers" split_words:"true"`
}

type Argon2Config struct {
	// Memory is in KiB.
	Memory      uint32 `toml:"memory_kib" split_words:"true"`
	Iterations  uint32 `toml:"iterations" split_words:"true"`
	Parallelism uint8  `toml:"parallelism" split_words:"true"`
}

type LoggingConfig struct {
	Level     string `toml:"level" split_words:"true"`
	File      string `toml:"file" split_words:"true"`
	MaxSizeMB int    `toml:"max_size_mb" split_words:"true"`
	MaxFiles  int    `toml:"max_files" split_words:"true"`
}

func DefaultConfig() Config {
	argon := cipher.DefaultArgon2Params()
	return Config{
		Environment: EnvProd,
		Store: StoreConfig{
			Path:      DefaultStorePath,
			PageSize:  disk.DefaultPageSize,
			CacheSize: db.DefaultCacheSize,
			KDF:       cipher.KDFArgon2id.String(),
		},
		Argon2: Argon2Config{
			Memory:      argon.Memory,
			Iterations:  argon.Iterations,
			Parallelism: argon.Parallelism,
		},
		Logging: LoggingConfig{
			Level:     "warn",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

type LoadOptions struct {
	// ConfigPath must exist when set. When empty, DefaultConfigFile is read
	// if present.
	ConfigPath string
	// EnvFile is loaded into the process environment without overriding
	// variables that are already set. Defaults to DefaultEnvFile.
	EnvFile string
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	path, required := opts.ConfigPath, true
	if path == "" {
		path, required = DefaultConfigFile, false
	}
	if err := loadFile(path, required, &cfg); err != nil {
		return Config{}, err
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: load %s: %w", ErrInvalidConfig, envFile, err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, required bool, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: parse %q: %w", ErrInvalidConfig, path, err)
	}
	return nil
}

func (c Config) validate() error {
	switch {
	case c.Environment != EnvDev && c.Environment != EnvProd:
		return fmt.Errorf("%w: environment must be %q or %q, got %q", ErrInvalidConfig, EnvDev, EnvProd, c.Environment)
	case c.Store.Path == "":
		return fmt.Errorf("%w: store path is empty", ErrInvalidConfig)
	case c.Store.CacheSize == 0:
		return fmt.Errorf("%w: cache size must be greater than zero", ErrInvalidConfig)
	case c.Store.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig)
	}

	if _, err := cipher.ParseKDF(c.Store.KDF); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging level: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) Argon2Params() cipher.Argon2Params {
	return cipher.Argon2Params{
		Memory:      c.Argon2.Memory,
		Iterations:  c.Argon2.Iterations,
		Parallelism: c.Argon2.Parallelism,
	}
}

// ReadKey returns the store secret: the contents of KeyFile when set,
// otherwise Key. A single trailing newline is dropped from key files.
func (c Config) ReadKey() ([]byte, error) {
	if c.KeyFile != "" {
		return ReadKeyFile(c.KeyFile)
	}
	if c.Key == "" {
		return nil, fmt.Errorf("%w: set %s_KEY or pass a key file", ErrNoKey, EnvPrefix)
	}
	return []byte(c.Key), nil
}

func ReadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: key file %s is empty", ErrNoKey, path)
	}
	return data, nil
}

// DBOptions turns the store section into connection options.
func (c Config) DBOptions(logger src.Logger) ([]db.Option, error) {
	kdf, err := cipher.ParseKDF(c.Store.KDF)
	if err != nil {
		return nil, err
	}

	opts := []db.Option{
		db.WithPageSize(c.Store.PageSize),
		db.WithMaxPages(c.Store.MaxPages),
		db.WithCacheSize(c.Store.CacheSize),
		db.WithKDF(kdf),
		db.WithArgon2(c.Argon2Params()),
		db.WithLogger(logger),
	}
	if c.Store.Workers > 0 {
		opts = append(opts, db.WithWorkers(c.Store.Workers))
	}
	return opts, nil
}
