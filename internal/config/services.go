package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// ServiceSeed is one entry in the operator-authored services file: the
// identity, endpoint, and pricing/SLA configuration for an upstream service
// the gateway should know about at startup.
type ServiceSeed struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name"`
	Endpoint     string               `yaml:"endpoint"`
	UpstreamAuth string               `yaml:"upstream_auth"`
	TimeoutMs    int64                `yaml:"timeout_ms"`
	Pricing      gateway.PricingModel `yaml:"pricing"`
	SLA          gateway.SLAConfig    `yaml:"sla"`
}

// servicesFile is the root of the YAML document read by LoadServices.
type servicesFile struct {
	Services []ServiceSeed `yaml:"services"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} references with the corresponding environment
// variable's value, leaving unset references untouched. This lets operators
// keep upstream_auth tokens out of the seed file itself.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return match
	})
}

// LoadServices reads the YAML file of per-service pricing/SLA seed data at
// path, expanding ${VAR} references first. This is the one piece of nested,
// operator-authored configuration the gateway keeps outside of environment
// variables: unlike DATABASE_URL or LOG_LEVEL, a service catalog has
// internal structure (pricing tiers, SLA targets per service) that doesn't
// compress into a flat key.
func LoadServices(path string) ([]ServiceSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	var doc servicesFile
	if err := yaml.Unmarshal(expandEnv(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}

	for i, svc := range doc.Services {
		if svc.ID == "" {
			return nil, fmt.Errorf("services file: entry %d missing id", i)
		}
		if svc.Endpoint == "" {
			return nil, fmt.Errorf("services file: service %q missing endpoint", svc.ID)
		}
		if svc.Pricing.Type == "" {
			doc.Services[i].Pricing.Type = gateway.PricingUnknown
		}
	}

	return doc.Services, nil
}

// ToService converts a seed entry into the gateway.Service the storage layer
// persists, stamping CreatedAt/UpdatedAt with now.
func (s ServiceSeed) ToService(now time.Time) gateway.Service {
	return gateway.Service{
		ID:           s.ID,
		Name:         s.Name,
		Endpoint:     s.Endpoint,
		UpstreamAuth: s.UpstreamAuth,
		TimeoutMs:    s.TimeoutMs,
		Pricing:      s.Pricing,
		SLA:          s.SLA,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
