package manifest

import (
	"fmt"
	"time"

	"github.com/mkarlsen/stackhost/internal/probe"
)

// BuildRegistry constructs the probe registry declared by the manifest.
func BuildRegistry(m Manifest) (*probe.Registry, error) {
	probes := make(map[string]probe.Probe, len(m.Probes))
	for _, spec := range m.Probes {
		timeout := time.Duration(spec.Timeout)
		if timeout == 0 {
			timeout = defaultProbeTimeout
		}
		built, err := buildProbe(spec, timeout)
		if err != nil {
			return nil, err
		}
		probes[spec.ID] = built
	}
	return probe.NewRegistry(probes), nil
}

func buildProbe(spec ProbeSpec, timeout time.Duration) (probe.Probe, error) {
	switch spec.Type {
	case ProbeTypeHTTP:
		built, err := probe.NewHTTPProbe(spec.Target, timeout)
		if err != nil {
			return nil, fmt.Errorf("probe %q: %w", spec.ID, err)
		}
		return built, nil
	case ProbeTypeTCP:
		built, err := probe.NewTCPProbe(spec.Target, timeout)
		if err != nil {
			return nil, fmt.Errorf("probe %q: %w", spec.ID, err)
		}
		return built, nil
	default:
		return nil, fmt.Errorf("probe %q: unsupported type %q", spec.ID, spec.Type)
	}
}
