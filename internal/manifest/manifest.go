package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/mkarlsen/stackhost/internal/resource"
	"gopkg.in/yaml.v3"
)

const (
	// ProbeTypeHTTP checks an HTTP endpoint.
	ProbeTypeHTTP = "http"
	// ProbeTypeTCP checks a TCP dial.
	ProbeTypeTCP = "tcp"

	defaultProbeTimeout = 5 * time.Second
)

// Duration accepts Go duration strings ("5s") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProbeSpec declares one named health probe.
type ProbeSpec struct {
	ID      string   `yaml:"id"`
	Type    string   `yaml:"type"`
	Target  string   `yaml:"target"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// ResourceSpec declares one resource of the application.
type ResourceSpec struct {
	Name         string   `yaml:"name"`
	Parent       string   `yaml:"parent,omitempty"`
	WaitFor      []string `yaml:"wait_for,omitempty"`
	HealthChecks []string `yaml:"health_checks,omitempty"`
}

// Manifest is the parsed application manifest.
type Manifest struct {
	App       string         `yaml:"app"`
	Resources []ResourceSpec `yaml:"resources"`
	Probes    []ProbeSpec    `yaml:"probes,omitempty"`
}

// Parse decodes and validates manifest YAML.
func Parse(body []byte) (Manifest, error) {
	if len(body) == 0 {
		return Manifest{}, errors.New("manifest body is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}

	if len(m.Resources) == 0 {
		return Manifest{}, errors.New("manifest has no resources")
	}

	probeIDs := make(map[string]bool, len(m.Probes))
	for i, spec := range m.Probes {
		if spec.ID == "" {
			return Manifest{}, fmt.Errorf("probe %d: id is required", i)
		}
		if probeIDs[spec.ID] {
			return Manifest{}, fmt.Errorf("probe %q declared twice", spec.ID)
		}
		probeIDs[spec.ID] = true

		switch spec.Type {
		case ProbeTypeHTTP, ProbeTypeTCP:
		default:
			return Manifest{}, fmt.Errorf("probe %q: unsupported type %q", spec.ID, spec.Type)
		}
		if spec.Target == "" {
			return Manifest{}, fmt.Errorf("probe %q: target is required", spec.ID)
		}
		if spec.Timeout < 0 {
			return Manifest{}, fmt.Errorf("probe %q: timeout must not be negative", spec.ID)
		}
	}

	for _, res := range m.Resources {
		if res.Name == "" {
			return Manifest{}, errors.New("resource name is required")
		}
		for _, check := range res.HealthChecks {
			if !probeIDs[check] {
				return Manifest{}, fmt.Errorf("resource %q references undefined probe %q", res.Name, check)
			}
		}
	}

	return m, nil
}

// Graph builds and validates the resource dependency graph.
func (m Manifest) Graph() (*resource.Graph, error) {
	resources := make([]resource.Resource, len(m.Resources))
	for i, spec := range m.Resources {
		resources[i] = resource.Resource{
			Name:         spec.Name,
			Parent:       spec.Parent,
			WaitFor:      spec.WaitFor,
			HealthChecks: spec.HealthChecks,
		}
	}
	return resource.NewGraph(resources)
}
