package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"sigs.k8s.io/yaml"

	"popupauth/pkg/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "POPUPAUTH_"

// envKeys maps environment variable suffixes to configuration keys.
var envKeys = map[string]string{
	"CLIENT_ID":          "oauth2.clientId",
	"CLIENT_SECRET":      "oauth2.clientSecret",
	"AUTH_URI":           "oauth2.authUri",
	"REDIRECT_URI":       "oauth2.redirectUri",
	"SCOPE":              "oauth2.scope",
	"TOKEN_EXCHANGE_URI": "oauth2.tokenExchangeUri",
	"STORAGE_DIR":        "storage.dir",
	"STORAGE_PREFIX":     "storage.prefix",
	"LOG_LEVEL":          "logging.level",
	"LOG_FILE":           "logging.file",
}

const refreshEnvKey = EnvPrefix + "REFRESH_ACCESS_TOKENS"

type loadOptions struct {
	envFile   string
	lookupEnv func(string) (string, bool)
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithEnvFile reads variables from path instead of ./.env. An empty path
// disables the .env layer.
func WithEnvFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.envFile = path
	}
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoadOption {
	return func(o *loadOptions) {
		o.lookupEnv = fn
	}
}

// Load builds the configuration from defaults, the file at path, the .env
// file and the environment. A missing file is not an error. The result is
// not validated.
func Load(path string, opts ...LoadOption) (Config, error) {
	o := loadOptions{
		envFile:   ".env",
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(&o)
	}

	k := koanf.New(".")
	parser := koanfjson.Parser()

	defaults, err := json.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("error encoding default config: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), parser); err != nil {
		return Config{}, fmt.Errorf("error loading default config: %w", err)
	}

	if path != "" {
		if err := loadFile(k, parser, path); err != nil {
			return Config{}, err
		}
	}

	env, err := readEnv(o)
	if err != nil {
		return Config{}, err
	}
	for suffix, key := range envKeys {
		if value := env(EnvPrefix + suffix); value != "" {
			if err := k.Set(key, value); err != nil {
				return Config{}, fmt.Errorf("error applying %s%s: %w", EnvPrefix, suffix, err)
			}
		}
	}
	if value, ok := lookup(o, env, refreshEnvKey); ok {
		if err := k.Set("oauth2.refreshAccessTokens", value == "true"); err != nil {
			return Config{}, fmt.Errorf("error applying %s: %w", refreshEnvKey, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}

	cfg.Storage.Dir = expandHome(cfg.Storage.Dir)
	cfg.Logging.File = expandHome(cfg.Logging.File)
	return cfg, nil
}

func loadFile(k *koanf.Koanf, parser koanf.Parser, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("ConfigLoader", "No config file found at %s, using defaults", path)
			return nil
		}
		return fmt.Errorf("error reading config file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if !strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = yaml.YAMLToJSON(data)
		if err != nil {
			return fmt.Errorf("error loading config from %s: %w", path, err)
		}
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return fmt.Errorf("error loading config from %s: %w", path, err)
	}

	logging.Debug("ConfigLoader", "Loaded configuration from %s", path)
	return nil
}

// readEnv returns a getter over the environment with the .env file as
// fallback, so real environment variables win.
func readEnv(o loadOptions) (func(string) string, error) {
	dotenv := map[string]string{}
	if o.envFile != "" {
		values, err := godotenv.Read(o.envFile)
		switch {
		case err == nil:
			dotenv = values
			logging.Debug("ConfigLoader", "Loaded environment from %s", o.envFile)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("error reading %s: %w", o.envFile, err)
		}
	}

	return func(name string) string {
		if value, ok := o.lookupEnv(name); ok && value != "" {
			return value
		}
		return dotenv[name]
	}, nil
}

// lookup reports whether name is set at all, in the environment or the .env
// file, and its value.
func lookup(o loadOptions, env func(string) string, name string) (string, bool) {
	if value, ok := o.lookupEnv(name); ok {
		return value, true
	}
	if value := env(name); value != "" {
		return value, true
	}
	return "", false
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
