// Package config loads the YAML manifests that describe which
// process-manager definitions a procmand replica should run, in the
// familiar apiVersion/kind/metadata/spec resource shape.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxline/procman/pkg/types"
)

// RouterManifest is one "ProcessManager" resource: the declarative
// description of a router this replica should start.
type RouterManifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   Metadata       `yaml:"metadata"`
	Spec       RouterSpec     `yaml:"spec"`
}

// Metadata names the resource.
type Metadata struct {
	Name string `yaml:"name"`
}

// RouterSpec is the spec block of a ProcessManager manifest.
type RouterSpec struct {
	// Consistency is "strong" or "eventual".
	Consistency string `yaml:"consistency"`
	// StartFrom is "origin", "current", or an explicit event_number.
	StartFrom string `yaml:"startFrom"`
	// MaxPendingEvents bounds the router's in-memory queue; 0 means
	// unbounded.
	MaxPendingEvents int `yaml:"maxPendingEvents"`
	// ParkRetries enables the non-blocking retry-delay mode on every
	// instance this router spawns.
	ParkRetries bool `yaml:"parkRetries"`
	// AckTTL is how long a per-stream registry ack is kept before the
	// stale-ack purge removes it, as a Go duration string ("30m", "1h");
	// empty leaves the replica-wide default in place.
	AckTTL string `yaml:"ackTTL"`
}

// Load parses one or more YAML documents (separated by "---") from
// path into RouterManifests.
func Load(path string) ([]RouterManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest: %w", err)
	}

	var manifests []RouterManifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var m RouterManifest
		if err := decoder.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("config: parse manifest %s: %w", path, err)
		}
		if m.Kind == "" {
			continue
		}
		if m.Kind != "ProcessManager" {
			return nil, fmt.Errorf("config: unsupported resource kind %q in %s", m.Kind, path)
		}
		if m.Metadata.Name == "" {
			return nil, fmt.Errorf("config: manifest in %s is missing metadata.name", path)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// ResolveStartFrom resolves the manifest's StartFrom string to a types.StartFrom.
func (s RouterSpec) ResolveStartFrom() (types.StartFrom, error) {
	switch s.StartFrom {
	case "", "origin":
		return types.Origin(), nil
	case "current":
		return types.Current(), nil
	default:
		var n uint64
		if _, err := fmt.Sscanf(s.StartFrom, "%d", &n); err != nil {
			return types.StartFrom{}, fmt.Errorf("config: invalid startFrom %q", s.StartFrom)
		}
		return types.Position(n), nil
	}
}

// ResolveAckTTL parses the manifest's AckTTL duration; zero when unset.
func (s RouterSpec) ResolveAckTTL() (time.Duration, error) {
	if s.AckTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.AckTTL)
	if err != nil {
		return 0, fmt.Errorf("config: invalid ackTTL %q: %w", s.AckTTL, err)
	}
	return d, nil
}

// ResolveConsistency resolves the manifest's Consistency string.
func (s RouterSpec) ResolveConsistency() (types.Consistency, error) {
	switch s.Consistency {
	case "", "eventual":
		return types.ConsistencyEventual, nil
	case "strong":
		return types.ConsistencyStrong, nil
	default:
		return "", fmt.Errorf("config: invalid consistency %q", s.Consistency)
	}
}
