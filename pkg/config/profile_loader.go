package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClusterProfile is a per-cluster context profile feeding classification:
// which environment the cluster is, which namespaces are protected, when its
// peak traffic windows fall, and which roles its actors hold.
type ClusterProfile struct {
	Name                string            `yaml:"name" json:"name"`
	ClusterID           string            `yaml:"cluster_id" json:"cluster_id"`
	Environment         string            `yaml:"environment" json:"environment"` // production, staging, development
	ProtectedNamespaces []string          `yaml:"protected_namespaces,omitempty" json:"protected_namespaces,omitempty"`
	PeakWindows         []PeakWindow      `yaml:"peak_windows,omitempty" json:"peak_windows,omitempty"`
	ActorRoles          map[string]string `yaml:"actor_roles,omitempty" json:"actor_roles,omitempty"`
}

// PeakWindow is a recurring daily high-traffic window in UTC.
type PeakWindow struct {
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`
}

// Contains reports whether the given UTC hour falls inside the window.
// Windows may wrap midnight (start 22, end 2).
func (w PeakWindow) Contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// InPeakWindow reports whether any window covers the hour.
func (p *ClusterProfile) InPeakWindow(hour int) bool {
	for _, w := range p.PeakWindows {
		if w.Contains(hour) {
			return true
		}
	}
	return false
}

// Validate checks structural soundness.
func (p *ClusterProfile) Validate() error {
	if p.ClusterID == "" {
		return fmt.Errorf("profile %q: cluster_id is required", p.Name)
	}
	switch p.Environment {
	case "production", "staging", "development":
	default:
		return fmt.Errorf("profile %q: unknown environment %q", p.Name, p.Environment)
	}
	for _, w := range p.PeakWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
			return fmt.Errorf("profile %q: peak window hours must be 0-23", p.Name)
		}
	}
	return nil
}

// LoadProfile loads one cluster profile by id from profile_<id>.yaml.
func LoadProfile(profilesDir, clusterID string) (*ClusterProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(clusterID)))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", clusterID, err)
	}
	var profile ClusterProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", clusterID, err)
	}
	if profile.ClusterID == "" {
		profile.ClusterID = clusterID
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// cluster id.
func LoadAllProfiles(profilesDir string) (map[string]*ClusterProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*ClusterProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile ClusterProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.ClusterID == "" {
			base := filepath.Base(path)
			profile.ClusterID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.ClusterID] = &profile
	}
	return profiles, nil
}
