package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("json")

	setDefaults(v)

	// Environment variable binding, HYDRAGEN_ prefix:
	// HYDRAGEN_LOAD_TARGET_CPS -> load.target_cps.
	v.SetEnvPrefix("HYDRAGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("load.mode", string(ModeUnlimited))
	v.SetDefault("load.max_concurrent", 1024)
	v.SetDefault("mgmt.rest_port", 8080)
	v.SetDefault("mgmt.cli_prompt", "packetforge> ")
}

// loadFromSource loads configuration from file and environment, then
// validates the result.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation plus the cross-field rules
// go-playground/validator tags alone can't express: every flow must name
// a destination port unless it is a bare ICMP ping, and an HTTP request
// needs a host to send.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	for i, f := range cfg.Flows {
		if !f.ICMPPing && f.DstPort == 0 {
			return fmt.Errorf("config: flows[%d]: dst_port is required unless icmp_ping is set", i)
		}
		if f.HTTPURL != "" && f.HTTPHost == "" {
			return fmt.Errorf("config: flows[%d]: http_host is required when http_url is set", i)
		}
		if f.EnableTLS && cfg.TLS.Cert == "" {
			return fmt.Errorf("config: flows[%d]: enable_tls requires tls.cert to be set", i)
		}
	}
	return nil
}
