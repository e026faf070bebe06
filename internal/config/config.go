// Package config loads and validates the engine's typed configuration
// tree: an engine.yaml file, ENGINE_* environment overrides, library
// defaults for anything unset. Any violation aborts startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/decision-engine/internal/backtest"
	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/features"
	"github.com/atlas-desktop/decision-engine/internal/fusion"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/model"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/sentiment"
	"github.com/atlas-desktop/decision-engine/internal/universe"
	"github.com/atlas-desktop/decision-engine/internal/workers"
)

// ErrInvalid marks a configuration the engine refuses to start with.
var ErrInvalid = errors.New("invalid configuration")

// LogConfig controls the console and rotating file sinks.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" mapstructure:"max_size_mb" default:"10" validate:"gt=0"`
	MaxBackups int    `json:"maxBackups" mapstructure:"max_backups" default:"5" validate:"gte=0"`
}

// ServerConfig controls the status API server.
type ServerConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Host         string        `json:"host" mapstructure:"host" default:"127.0.0.1"`
	Port         int           `json:"port" mapstructure:"port" default:"8600" validate:"gt=0,lte=65535"`
	ReadTimeout  time.Duration `json:"readTimeout" mapstructure:"read_timeout" default:"10s" validate:"gt=0"`
	WriteTimeout time.Duration `json:"writeTimeout" mapstructure:"write_timeout" default:"15s" validate:"gt=0"`
}

// DataConfig groups the market data layer.
type DataConfig struct {
	Client data.ClientConfig `json:"client" mapstructure:"client"`
	Store  data.StoreConfig  `json:"store" mapstructure:"store"`
	Cache  data.CacheConfig  `json:"cache" mapstructure:"cache"`
}

// ModelConfig groups the forecast model wrapper.
type ModelConfig struct {
	// Artifact.Path empty selects the neutral scorer.
	Artifact model.ArtifactConfig `json:"artifact" mapstructure:"artifact"`
	Guard    model.GuardConfig    `json:"guard" mapstructure:"guard"`
}

// SentimentConfig groups sentiment reduction and providers.
type SentimentConfig struct {
	Reduce sentiment.Config `json:"reduce" mapstructure:"reduce"`

	// NewsToken authorizes the news vote provider; empty disables it.
	NewsToken string `json:"newsToken" mapstructure:"news_token"`
}

// ExecutionConfig selects and tunes the gateway.
type ExecutionConfig struct {
	Mode  string                `json:"mode" mapstructure:"mode" default:"paper" validate:"oneof=paper live"`
	Paper execution.PaperConfig `json:"paper" mapstructure:"paper"`
	Live  execution.LiveConfig  `json:"live" mapstructure:"live"`
}

// Config is the full engine configuration tree.
type Config struct {
	Log       LogConfig           `json:"log" mapstructure:"log"`
	Server    ServerConfig        `json:"server" mapstructure:"server"`
	Data      DataConfig          `json:"data" mapstructure:"data"`
	Ledger    ledger.SQLiteConfig `json:"ledger" mapstructure:"ledger"`
	Features  features.Config     `json:"features" mapstructure:"features"`
	Regime    regime.Config       `json:"regime" mapstructure:"regime"`
	Model     ModelConfig         `json:"model" mapstructure:"model"`
	Sentiment SentimentConfig     `json:"sentiment" mapstructure:"sentiment"`
	Fusion    fusion.Config       `json:"fusion" mapstructure:"fusion"`
	Universe  universe.Config     `json:"universe" mapstructure:"universe"`
	Risk      risk.Config         `json:"risk" mapstructure:"risk"`
	Execution ExecutionConfig     `json:"execution" mapstructure:"execution"`
	Workers   workers.Config      `json:"workers" mapstructure:"workers"`
	Engine    engine.Config       `json:"engine" mapstructure:"engine"`
	Backtest  backtest.Config     `json:"backtest" mapstructure:"backtest"`
}

// Default returns the full production default tree.
func Default() Config {
	cfg := Config{
		Server: ServerConfig{Enabled: true},
		Data: DataConfig{
			Client: data.DefaultClientConfig(),
			Store:  data.DefaultStoreConfig(),
			Cache:  data.DefaultCacheConfig(),
		},
		Ledger:   ledger.DefaultSQLiteConfig(),
		Features: features.DefaultConfig(),
		Regime:   regime.DefaultConfig(),
		Model: ModelConfig{
			Guard: model.DefaultGuardConfig(),
		},
		Sentiment: SentimentConfig{Reduce: sentiment.DefaultConfig()},
		Fusion:    fusion.DefaultConfig(),
		Universe:  universe.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Execution: ExecutionConfig{
			Paper: execution.DefaultPaperConfig(),
			Live:  execution.DefaultLiveConfig(),
		},
		Workers: workers.DefaultConfig(),
		Engine:  engine.DefaultConfig(),
		Backtest: backtest.Config{
			Interval: engine.DefaultConfig().Interval,
			Lookback: engine.DefaultConfig().Lookback,
		},
	}
	// Tagged defaults for this package's own structs.
	if err := defaults.Set(&cfg); err != nil {
		panic(fmt.Sprintf("setting config defaults: %v", err))
	}
	return cfg
}

// Load reads the file at path (empty falls back to ./engine.yaml when
// present), applies ENGINE_* environment overrides, and validates the
// result. Validation failures wrap ErrInvalid and are fatal to startup.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
		}
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("%w: reading engine.yaml: %v", ErrInvalid, err)
			}
			// No file is fine; defaults plus env carry the run.
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decoding: %v", ErrInvalid, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the range and presence rules across the whole tree.
func Validate(cfg Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			f := fields[0]
			return fmt.Errorf("%w: field %s fails rule %q", ErrInvalid, f.Namespace(), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
