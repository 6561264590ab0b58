// Package config loads process settings from the environment and the zone-set
// configuration from a file. Zone-file contents themselves are the zone
// loader's concern.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds process-wide settings parsed from KNOT_* environment
// variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity.
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Listen is the list of host:port UDP addresses to serve on.
	Listen []string `koanf:"listen" validate:"required,dive,host_port"`

	// ZonesFile points at the zone-set configuration (YAML/JSON/TOML).
	ZonesFile string `koanf:"zones_file" validate:"required"`

	// DataDir holds server-maintained state (transfer bookkeeping).
	DataDir string `koanf:"data_dir" validate:"required"`

	// Identity answers CH TXT id.server queries; Version answers
	// version.server.
	Identity string `koanf:"identity"`
	Version  string `koanf:"version"`

	// AnswerCacheSize bounds the in-memory answer cache; 0 disables it.
	AnswerCacheSize int `koanf:"answer_cache_size" validate:"gte=0"`
}

// DefaultAppConfig is the baseline the environment overrides.
var DefaultAppConfig = AppConfig{
	Env:             "prod",
	LogLevel:        "info",
	Listen:          []string{":53"},
	ZonesFile:       "/etc/knot/zones.yaml",
	DataDir:         "/var/lib/knot",
	Identity:        "knot-dns",
	Version:         "0.1.0",
	AnswerCacheSize: 1024,
}

// validHostPort accepts host:port with an optional empty host (wildcard bind).
func validHostPort(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || port == "" {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	p, err := strconv.ParseUint(port, 10, 16)
	return err == nil && p > 0
}

var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "KNOT_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "KNOT_"))
			value = strings.TrimSpace(value)
			if value == "" {
				return key, value
			}
			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				return key, strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
			}
			return key, value
		},
	}), nil)
}

// Load parses environment variables over defaults and validates the result.
func Load() (*AppConfig, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("host_port", validHostPort); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}
