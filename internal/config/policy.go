package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tokend/internal/token"
)

type policyFile struct {
	Policies map[string]policyEntry `yaml:"policies"`
}

type policyEntry struct {
	MaxUses int    `yaml:"max_uses"`
	TTL     string `yaml:"ttl"`
}

// Policies resolves the issuance policy set: the YAML policy file when
// configured, otherwise the env defaults applied to every known type.
func (c Config) Policies() (token.PolicySet, error) {
	if c.PolicyFile == "" {
		stock := token.Policy{MaxUses: c.DefaultMaxUses, TTL: c.DefaultValidity}
		ps := token.PolicySet{
			token.TypeOHIFPublication:    stock,
			token.TypeStonePublication:   stock,
			token.TypeVolViewPublication: stock,
			token.TypeInstantLink:        stock,
		}
		return ps, ps.Validate()
	}

	data, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return parsePolicies(data)
}

func parsePolicies(data []byte) (token.PolicySet, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if len(file.Policies) == 0 {
		return nil, fmt.Errorf("policy file defines no policies")
	}

	ps := make(token.PolicySet, len(file.Policies))
	for typ, entry := range file.Policies {
		ttl, err := time.ParseDuration(entry.TTL)
		if err != nil {
			return nil, fmt.Errorf("policy %q: invalid ttl %q: %w", typ, entry.TTL, err)
		}
		ps[typ] = token.Policy{MaxUses: entry.MaxUses, TTL: ttl}
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return ps, nil
}
