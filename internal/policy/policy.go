package policy

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("cluster policy not found")

// ClusterPolicy is the operator-owned metadata for one cluster. The control
// plane only reads it; the file is the single source of truth.
type ClusterPolicy struct {
	ClusterID          string   `yaml:"clusterId"`
	Timezone           string   `yaml:"timezone"`
	BusinessHoursStart int      `yaml:"businessHoursStart"`
	BusinessHoursEnd   int      `yaml:"businessHoursEnd"`
	BusinessCritical   bool     `yaml:"businessCritical"`
	CostCenter         string   `yaml:"costCenter"`
	MinReplicasFloor   int      `yaml:"minReplicasFloor"`
	Environments       []string `yaml:"environments"`
}

// Validate checks if the ClusterPolicy is valid.
func (p *ClusterPolicy) Validate() error {
	if p.ClusterID == "" {
		return fmt.Errorf("clusterId is required")
	}
	if p.Timezone == "" {
		return fmt.Errorf("timezone is required")
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	if p.BusinessHoursStart < 0 || p.BusinessHoursStart > 23 {
		return fmt.Errorf("businessHoursStart must be within 0-23")
	}
	if p.BusinessHoursEnd < 0 || p.BusinessHoursEnd > 23 {
		return fmt.Errorf("businessHoursEnd must be within 0-23")
	}
	if p.BusinessHoursStart == p.BusinessHoursEnd {
		return fmt.Errorf("businessHoursStart and businessHoursEnd must differ")
	}
	if p.MinReplicasFloor < 0 {
		return fmt.Errorf("minReplicasFloor must be non-negative")
	}
	return nil
}

// Location resolves the policy timezone. Validate has already proven it
// parses, so failures here fall back to UTC rather than erroring twice.
func (p *ClusterPolicy) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type policyFile struct {
	Clusters []ClusterPolicy `yaml:"clusters"`
}

// Store holds cluster policies loaded from a YAML file. Reads are served
// from an in-memory snapshot guarded by a RWMutex; Load swaps the snapshot
// atomically so a reload never exposes a half-parsed file.
type Store struct {
	path string

	mu       sync.RWMutex
	policies map[string]ClusterPolicy
	byEnv    map[string]string
}

func NewStore(path string) *Store {
	return &Store{
		path:     path,
		policies: make(map[string]ClusterPolicy),
		byEnv:    make(map[string]string),
	}
}

// Load parses the policy file and replaces the snapshot. A file that fails
// validation leaves the previous snapshot in place.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	policies := make(map[string]ClusterPolicy, len(f.Clusters))
	byEnv := make(map[string]string)
	for _, p := range f.Clusters {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid policy for cluster '%s': %w", p.ClusterID, err)
		}
		if _, dup := policies[p.ClusterID]; dup {
			return fmt.Errorf("duplicate policy for cluster '%s'", p.ClusterID)
		}
		policies[p.ClusterID] = p
		for _, env := range p.Environments {
			if owner, dup := byEnv[env]; dup {
				return fmt.Errorf("environment '%s' mapped to both '%s' and '%s'", env, owner, p.ClusterID)
			}
			byEnv[env] = p.ClusterID
		}
	}

	s.mu.Lock()
	s.policies = policies
	s.byEnv = byEnv
	s.mu.Unlock()
	return nil
}

// Get returns the policy for a cluster. ErrNotFound is a hard stop for
// callers: an unknown cluster must never be acted on with guessed defaults.
func (s *Store) Get(clusterID string) (ClusterPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[clusterID]
	if !ok {
		return ClusterPolicy{}, fmt.Errorf("cluster '%s': %w", clusterID, ErrNotFound)
	}
	return p, nil
}

// ClusterForEnvironment maps a flag environment to its owning cluster.
func (s *Store) ClusterForEnvironment(env string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEnv[env]
	return id, ok
}

// All returns a snapshot of every policy, for the schedule ticker.
func (s *Store) All() []ClusterPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClusterPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.policies)
}
