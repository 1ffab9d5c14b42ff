// Package config loads and validates the JSON run configuration that
// drives a packetforge process: the flows to generate or respond to, the
// load profile to drive them at, and the management-surface and TLS
// settings those flows may need.
//
// Configuration is loaded with the following priority (highest to
// lowest):
//  1. Command-line flags (not handled here, see cmd/packetforge/main.go)
//  2. Environment variables (HYDRAGEN_* prefix)
//  3. JSON config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from HYDRAGEN_SECTION_SETTING format,
// e.g., HYDRAGEN_LOAD_TARGET_CPS maps to load.target_cps in the JSON
// document.
package config

import (
	"os"
	"strings"
)

// LoadMode selects how the load generator paces traffic.
type LoadMode string

const (
	// ModeUnlimited drives flows as fast as max_concurrent allows, with
	// no rate ceiling.
	ModeUnlimited LoadMode = "unlimited"
	// ModeConstant holds steady at target_cps/target_rps.
	ModeConstant LoadMode = "constant"
)

// Flow describes one traffic pattern: a destination, the source address
// range to originate from, and the optional TLS/HTTP/ICMP behavior layered
// on top of the TCP (or bare ICMP) connection it drives.
type Flow struct {
	DstIP   string `json:"dst_ip"   mapstructure:"dst_ip"   validate:"required,ipv4"`
	DstPort uint16 `json:"dst_port" mapstructure:"dst_port"`

	SrcIPLo string `json:"src_ip_lo" mapstructure:"src_ip_lo" validate:"required,ipv4"`
	SrcIPHi string `json:"src_ip_hi" mapstructure:"src_ip_hi" validate:"required,ipv4"`

	VLANID uint16 `json:"vlan_id" mapstructure:"vlan_id"`

	EnableTLS bool   `json:"enable_tls" mapstructure:"enable_tls"`
	SNI       string `json:"sni"        mapstructure:"sni"`

	HTTPURL     string `json:"http_url"      mapstructure:"http_url"`
	HTTPHost    string `json:"http_host"     mapstructure:"http_host"`
	HTTPBodyLen int    `json:"http_body_len" mapstructure:"http_body_len" validate:"gte=0"`

	ICMPPing bool `json:"icmp_ping" mapstructure:"icmp_ping"`
}

// Load describes the offered-load profile applied across every configured
// flow.
type Load struct {
	TargetCPS     uint64   `json:"target_cps"     mapstructure:"target_cps"`
	TargetRPS     uint64   `json:"target_rps"     mapstructure:"target_rps"`
	MaxConcurrent uint32   `json:"max_concurrent" mapstructure:"max_concurrent" validate:"required,gt=0"`
	DurationSecs  uint64   `json:"duration_secs"  mapstructure:"duration_secs"`
	Mode          LoadMode `json:"mode"           mapstructure:"mode"           validate:"required,oneof=unlimited constant"`
}

// Mgmt controls the management-surface bindings: the REST listener and
// the CLI's interactive prompt text.
type Mgmt struct {
	RESTPort  uint16 `json:"rest_port"  mapstructure:"rest_port"`
	CLIPrompt string `json:"cli_prompt" mapstructure:"cli_prompt"`
	APIKey    string `json:"api_key"    mapstructure:"api_key"`
}

// TLS names the certificate material the TLS engine uses for any flow
// with enable_tls set, and (for server-role flows) for terminating
// inbound TLS.
type TLS struct {
	Cert string `json:"cert" mapstructure:"cert"`
	Key  string `json:"key"  mapstructure:"key"`
	CA   string `json:"ca"   mapstructure:"ca"`
}

// Config is the root configuration document, matching the JSON schema a
// config file, the REST `PUT /api/v1/config` body, or `cli save`/`load`
// round-trips.
type Config struct {
	Flows []Flow `json:"flows" mapstructure:"flows" validate:"required,min=1,dive"`
	Load  Load   `json:"load"  mapstructure:"load"  validate:"required"`
	Mgmt  Mgmt   `json:"mgmt"  mapstructure:"mgmt"`
	TLS   TLS    `json:"tls"   mapstructure:"tls"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HYDRAGEN_CONFIG")); v != "" {
		return v
	}
	return ""
}

// LoadFile loads configuration from a JSON file with environment variable
// overrides. This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (HYDRAGEN_*)
//  2. Config file values
//  3. Default values
func LoadFile(path string) (*Config, error) {
	return loadFromSource(path)
}
