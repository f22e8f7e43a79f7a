package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML file schema. All sections are optional; only
// set fields override the environment-derived Settings. The directory
// section is the static tenant table (the persistence-backed directory
// is an external collaborator).
type FileConfig struct {
	Directory *DirectorySettings `yaml:"directory"`
	Authz     *FileAuthz         `yaml:"authz"`
	Upstream  *FileUpstream      `yaml:"upstream"`
}

// FileAuthz carries enforcement toggles; pointers distinguish "unset"
// from "false".
type FileAuthz struct {
	RoleEnforcement   *bool `yaml:"roleEnforcement"`
	RelationshipCheck *bool `yaml:"relationshipCheck"`
	FailOpen          *bool `yaml:"failOpen"`
}

// FileUpstream carries upstream overrides.
type FileUpstream struct {
	BaseURL *string `yaml:"baseURL"`
	Retries *int    `yaml:"retries"`
}

// ParseFile parses a YAML config file.
func ParseFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, NewConfigError("PROXY_CONFIG_PATH", "malformed YAML", err)
	}
	return &fc, nil
}

// MergeFile loads the YAML file at path and applies it to the settings.
func (s *Settings) MergeFile(path string) error {
	fc, err := ParseFile(path)
	if err != nil {
		return err
	}
	s.Apply(fc)
	return nil
}

// Apply overlays the set fields of a FileConfig onto the settings.
func (s *Settings) Apply(fc *FileConfig) {
	if fc == nil {
		return
	}
	if fc.Directory != nil {
		s.Directory = *fc.Directory
	}
	if fc.Authz != nil {
		if fc.Authz.RoleEnforcement != nil {
			s.Authz.RoleEnforcement = *fc.Authz.RoleEnforcement
		}
		if fc.Authz.RelationshipCheck != nil {
			s.Authz.RelationshipCheck = *fc.Authz.RelationshipCheck
		}
		if fc.Authz.FailOpen != nil {
			s.Authz.FailOpen = *fc.Authz.FailOpen
		}
	}
	if fc.Upstream != nil {
		if fc.Upstream.BaseURL != nil {
			s.Upstream.BaseURL = *fc.Upstream.BaseURL
		}
		if fc.Upstream.Retries != nil {
			s.Upstream.Retries = *fc.Upstream.Retries
		}
	}
}
