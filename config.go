package bamcache

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when it is read from
// the environment, with dashes turned into underscores
// (BAMCACHE_MODEL_CACHE_DIR).
const EnvPrefix = "BAMCACHE"

// Config holds the settings a cache is opened with.
type Config struct {
	// Dir is the cache root. Empty disables the cache.
	Dir string `mapstructure:"model-cache-dir"`
	// FlushTime is how long a changed index may stay unwritten.
	FlushTime time.Duration `mapstructure:"model-cache-flush"`
	// MaxKBytes is the soft size limit. 0 disables eviction.
	MaxKBytes int64 `mapstructure:"model-cache-max-kbytes"`

	Models             bool `mapstructure:"model-cache-models"`
	Textures           bool `mapstructure:"model-cache-textures"`
	CompressedTextures bool `mapstructure:"model-cache-compressed-textures"`
	CompiledShaders    bool `mapstructure:"model-cache-compiled-shaders"`

	MaxProbes int    `mapstructure:"model-cache-max-probes"`
	Compress  bool   `mapstructure:"model-cache-compress"`
	Hash      string `mapstructure:"model-cache-hash"`

	LogLevel      string `mapstructure:"log-level"`
	LogFile       string `mapstructure:"log-file"`
	LogMaxSize    int    `mapstructure:"log-max-size"`
	LogMaxBackups int    `mapstructure:"log-max-backups"`
	LogCompress   bool   `mapstructure:"log-compress"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		FlushTime:     DefaultFlushTime,
		MaxKBytes:     DefaultMaxKBytes,
		Models:        true,
		Textures:      true,
		MaxProbes:     DefaultMaxProbes,
		Hash:          "md5",
		LogLevel:      "info",
		LogMaxSize:    100,
		LogMaxBackups: 10,
		LogCompress:   true,
	}
}

// LoadConfig reads the configuration from path, if not empty, and from
// BAMCACHE_* environment variables, which take precedence. The file may be
// in any format viper understands.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Dir != "" {
		dir, err := homedir.Expand(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand cache dir: %w", err)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache dir: %w", err)
		}
		cfg.Dir = abs
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("model-cache-dir", d.Dir)
	v.SetDefault("model-cache-flush", d.FlushTime.String())
	v.SetDefault("model-cache-max-kbytes", d.MaxKBytes)
	v.SetDefault("model-cache-models", d.Models)
	v.SetDefault("model-cache-textures", d.Textures)
	v.SetDefault("model-cache-compressed-textures", d.CompressedTextures)
	v.SetDefault("model-cache-compiled-shaders", d.CompiledShaders)
	v.SetDefault("model-cache-max-probes", d.MaxProbes)
	v.SetDefault("model-cache-compress", d.Compress)
	v.SetDefault("model-cache-hash", d.Hash)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-file", d.LogFile)
	v.SetDefault("log-max-size", d.LogMaxSize)
	v.SetDefault("log-max-backups", d.LogMaxBackups)
	v.SetDefault("log-compress", d.LogCompress)
}

// durationDecodeHook accepts Go duration strings as well as plain numbers,
// which are taken as seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration: %s", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type: %T", v)
		}
	}
}

// Validate checks the configuration and reports every problem at once.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.FlushTime < 0 {
		errs = append(errs, fmt.Errorf("model-cache-flush must not be negative, got %s", cfg.FlushTime))
	}
	if cfg.MaxKBytes < 0 {
		errs = append(errs, fmt.Errorf("model-cache-max-kbytes must not be negative, got %d", cfg.MaxKBytes))
	}
	if cfg.MaxProbes <= 0 {
		errs = append(errs, fmt.Errorf("model-cache-max-probes must be positive, got %d", cfg.MaxProbes))
	}
	if _, err := HashFuncByName(cfg.Hash); err != nil {
		errs = append(errs, err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log-level: %w", err))
	}
	if cfg.LogMaxSize < 0 || cfg.LogMaxBackups < 0 {
		errs = append(errs, errors.New("log-max-size and log-max-backups must not be negative"))
	}

	return newValidationError(errs)
}

// OpenConfig opens the cache described by cfg. Options are applied after
// the configuration and override it.
func OpenConfig(cfg *Config, options ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hashFunc, err := HashFuncByName(cfg.Hash)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithFlushTime(cfg.FlushTime),
		WithMaxKBytes(cfg.MaxKBytes),
		WithMaxProbes(cfg.MaxProbes),
		WithHashFunc(hashFunc),
		func(c *Cache) {
			c.cacheModels = cfg.Models
			c.cacheTextures = cfg.Textures
			c.cacheCompressedTextures = cfg.CompressedTextures
			c.cacheCompiledShaders = cfg.CompiledShaders
			c.compress = cfg.Compress
		},
	}
	return Open(cfg.Dir, append(base, options...)...)
}
