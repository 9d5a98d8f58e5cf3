// Package config loads process settings from flags, environment (EVOTE_*)
// and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/exp/slog"

	"voting-simulator/models"
)

const envPrefix = "EVOTE"

type Config struct {
	Server   ServerConfig
	Chain    ChainConfig
	Election ElectionConfig
	Registry RegistryConfig
	Storage  StorageConfig
	Mongo    MongoConfig
	Anchor   AnchorConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type ChainConfig struct {
	Difficulty    int
	Hasher        string
	YieldEvery    uint64
	YieldDelay    time.Duration
	MaxIterations uint64
}

type ElectionConfig struct {
	AutoMine      bool
	AutoMineDelay time.Duration
	MaxBlockSize  int
}

type RegistryConfig struct {
	Path string
}

type StorageConfig struct {
	Dir string
}

type MongoConfig struct {
	Host     string
	Database string
}

type AnchorConfig struct {
	RPCHost string
	From    string
	To      string
}

type LogConfig struct {
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("chain.difficulty", 3)
	v.SetDefault("chain.hasher", "sha256")
	v.SetDefault("chain.yield_every", models.DefaultYieldEvery)
	v.SetDefault("chain.yield_delay", time.Duration(0))
	v.SetDefault("chain.max_iterations", 0)
	v.SetDefault("election.auto_mine", true)
	v.SetDefault("election.auto_mine_delay", time.Second)
	v.SetDefault("election.max_block_size", 0)
	v.SetDefault("registry.path", "")
	v.SetDefault("storage.dir", "data")
	v.SetDefault("mongo.host", "")
	v.SetDefault("mongo.database", "evote")
	v.SetDefault("anchor.rpc_host", "")
	v.SetDefault("anchor.from", "")
	v.SetDefault("anchor.to", "")
	v.SetDefault("log.level", "info")
}

// NewFlagSet declares the command-line flags. Each flag is bound to the
// config key of the same dotted name.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.Int("port", 8080, "HTTP server port")
	fs.Int("difficulty", 3, "number of leading zero hex digits a block hash needs")
	fs.String("hasher", "sha256", "block hash function: sha256 or keccak256")
	fs.Bool("auto-mine", true, "mine automatically shortly after each vote")
	fs.Duration("auto-mine-delay", time.Second, "delay between a vote and the automatic mining run")
	fs.String("storage", "data", "directory for election snapshots")
	fs.String("registry", "", "voters file enabling eligibility checks")
	fs.String("log-level", "info", "debug, info, warn or error")
	return fs
}

var flagKeys = map[string]string{
	"port":            "server.port",
	"difficulty":      "chain.difficulty",
	"hasher":          "chain.hasher",
	"auto-mine":       "election.auto_mine",
	"auto-mine-delay": "election.auto_mine_delay",
	"storage":         "storage.dir",
	"registry":        "registry.path",
	"log-level":       "log.level",
}

// Load parses args with fs and resolves the final configuration.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "failed to parse flags")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, errors.Wrapf(err, "failed to bind flag %s", flag)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	cfg := &Config{
		Server: ServerConfig{Port: v.GetInt("server.port")},
		Chain: ChainConfig{
			Difficulty:    v.GetInt("chain.difficulty"),
			Hasher:        v.GetString("chain.hasher"),
			YieldEvery:    v.GetUint64("chain.yield_every"),
			YieldDelay:    v.GetDuration("chain.yield_delay"),
			MaxIterations: v.GetUint64("chain.max_iterations"),
		},
		Election: ElectionConfig{
			AutoMine:      v.GetBool("election.auto_mine"),
			AutoMineDelay: v.GetDuration("election.auto_mine_delay"),
			MaxBlockSize:  v.GetInt("election.max_block_size"),
		},
		Registry: RegistryConfig{Path: v.GetString("registry.path")},
		Storage:  StorageConfig{Dir: v.GetString("storage.dir")},
		Mongo: MongoConfig{
			Host:     v.GetString("mongo.host"),
			Database: v.GetString("mongo.database"),
		},
		Anchor: AnchorConfig{
			RPCHost: v.GetString("anchor.rpc_host"),
			From:    v.GetString("anchor.from"),
			To:      v.GetString("anchor.to"),
		},
		Log: LogConfig{Level: v.GetString("log.level")},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Chain.Difficulty < 0 || c.Chain.Difficulty > models.HashHexLength {
		return fmt.Errorf("chain.difficulty must be between 0 and %d, got %d", models.HashHexLength, c.Chain.Difficulty)
	}
	if _, err := models.HasherByName(c.Chain.Hasher); err != nil {
		return errors.Wrap(err, "chain.hasher")
	}
	if c.Election.MaxBlockSize < 0 {
		return fmt.Errorf("election.max_block_size must not be negative, got %d", c.Election.MaxBlockSize)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Anchor.RPCHost != "" {
		if !common.IsHexAddress(c.Anchor.From) {
			return fmt.Errorf("anchor.from is not a valid address: %q", c.Anchor.From)
		}
		if c.Anchor.To != "" && !common.IsHexAddress(c.Anchor.To) {
			return fmt.Errorf("anchor.to is not a valid address: %q", c.Anchor.To)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
