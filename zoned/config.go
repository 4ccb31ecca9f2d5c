/*
 * Copyright (c) 2024 Jesse Nich
 */

package zoned

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/miekg/dns"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the library-level configuration: knobs for the maintenance
// driver and keystore plus the named DNSSEC policies. There is no CLI;
// the embedding server feeds this from its own config file via viper.
type Config struct {
	Db struct {
		File string `validate:"required"`
	}
	Maintenance struct {
		Interval int // seconds, clamped to [60, 3600]
	}
	Log struct {
		File string
	}
	DnssecPolicies map[string]DnssecPolicyConf
}

type DnssecPolicyConf struct {
	Algorithm       string `validate:"required"`
	KeySize         int    `yaml:"key-size" mapstructure:"key-size"`
	DnskeyTTL       uint32 `yaml:"dnskey-ttl" mapstructure:"dnskey-ttl"`
	KskRolloverDays uint16 `yaml:"ksk-rollover-days" mapstructure:"ksk-rollover-days"`
	ZskRolloverDays uint16 `yaml:"zsk-rollover-days" mapstructure:"zsk-rollover-days"`
}

// ParseConfig decodes the viper state into a Config and validates the
// required attributes.
func ParseConfig(v *viper.Viper) (*Config, error) {
	var config Config

	settings := v.AllSettings()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &config,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("ParseConfig: decode error: %v", err)
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("ParseConfig: config is missing required attributes: %v", err)
	}
	for name, dp := range config.DnssecPolicies {
		if err := validate.Struct(&dp); err != nil {
			return nil, fmt.Errorf("ParseConfig: dnssec policy %q: %v", name, err)
		}
	}
	return &config, nil
}

// ResolveDnssecPolicies resolves the named policies into usable form. A policy
// with an unknown algorithm is ignored with a log line, matching the
// forgiving treatment config reloads need.
func (c *Config) ResolveDnssecPolicies() map[string]DnssecPolicy {
	out := make(map[string]DnssecPolicy, len(c.DnssecPolicies))
	for name, dp := range c.DnssecPolicies {
		alg := dns.StringToAlgorithm[strings.ToUpper(dp.Algorithm)]
		if alg == 0 {
			log.Printf("Error: DnssecPolicy %s has unknown algorithm: %s. Policy ignored.", name, dp.Algorithm)
			continue
		}
		tmp := DnssecPolicy{
			Name:            name,
			Algorithm:       alg,
			KeySize:         dp.KeySize,
			DnskeyTTL:       dp.DnskeyTTL,
			KskRolloverDays: dp.KskRolloverDays,
			ZskRolloverDays: dp.ZskRolloverDays,
		}
		if tmp.DnskeyTTL == 0 {
			tmp.DnskeyTTL = 3600
		}
		out[name] = tmp
	}
	return out
}

// LoadDnssecPolicyFile reads a standalone YAML policy file, for setups
// that keep signing policy outside the main config.
func LoadDnssecPolicyFile(path string) (map[string]DnssecPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadDnssecPolicyFile: %w: %v", ErrIOFailure, err)
	}
	var raw struct {
		DnssecPolicies map[string]DnssecPolicyConf `yaml:"dnssec-policies"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("LoadDnssecPolicyFile: %v", err)
	}
	c := Config{DnssecPolicies: raw.DnssecPolicies}
	return c.ResolveDnssecPolicies(), nil
}

// DefaultDnssecPolicy is used when a zone has no policy assigned.
func DefaultDnssecPolicy() DnssecPolicy {
	return DnssecPolicy{
		Name:      "default",
		Algorithm: dns.ECDSAP256SHA256,
		DnskeyTTL: 3600,
	}
}
