package catalog

import (
	"fmt"
	"os"

	"github.com/agentoven/toolgate/pkg/models"
	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk YAML layout of a registry override.
type registryFile struct {
	Priority  []string                      `yaml:"priority"`
	Providers []models.ProviderCapabilities `yaml:"providers"`
	Tools     []models.ToolRequirements     `yaml:"tools"`
	Chains    map[models.Category][]string  `yaml:"chains"`
}

// LoadFile reads a YAML registry file and layers it over the built-in
// registry. See Parse for the merge rules.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	snap, err := Parse(data, BuiltinSnapshot())
	if err != nil {
		return nil, fmt.Errorf("registry file %s: %w", path, err)
	}
	return snap, nil
}

// Parse decodes a YAML registry and merges it into base:
//   - providers, when present, replace the whole capability matrix
//   - tools are merged by name, file entries winning
//   - priority, when present, replaces the base order
//   - chains are replaced per category
//
// The result is not validated; Catalog.Reload does that.
func Parse(data []byte, base *Snapshot) (*Snapshot, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	out := &Snapshot{
		Tools:     make(map[string]models.ToolRequirements),
		Providers: make(map[string]models.ProviderCapabilities),
		Chains:    make(map[models.Category][]string),
	}
	if base != nil {
		for k, v := range base.Tools {
			out.Tools[k] = v
		}
		for k, v := range base.Providers {
			out.Providers[k] = v
		}
		for k, v := range base.Chains {
			out.Chains[k] = append([]string(nil), v...)
		}
		out.Priority = append([]string(nil), base.Priority...)
	}

	if len(f.Providers) > 0 {
		out.Providers = make(map[string]models.ProviderCapabilities, len(f.Providers))
		for _, p := range f.Providers {
			if _, dup := out.Providers[p.Name]; dup {
				return nil, &models.ConfigError{Field: "providers", Detail: fmt.Sprintf("provider %q declared twice", p.Name)}
			}
			out.Providers[p.Name] = p
		}
		if len(f.Priority) == 0 {
			// Drop priority entries that no longer exist.
			kept := out.Priority[:0]
			for _, n := range out.Priority {
				if _, ok := out.Providers[n]; ok {
					kept = append(kept, n)
				}
			}
			out.Priority = kept
		}
	}

	seen := make(map[string]bool, len(f.Tools))
	for _, t := range f.Tools {
		if seen[t.ToolName] {
			return nil, &models.ConfigError{Field: "tools", Detail: fmt.Sprintf("tool %q declared twice", t.ToolName)}
		}
		seen[t.ToolName] = true
		out.Tools[t.ToolName] = t
	}

	if len(f.Priority) > 0 {
		out.Priority = f.Priority
	}
	for cat, chain := range f.Chains {
		out.Chains[cat] = chain
	}
	return out, nil
}

// WithPriority returns a copy of s using the given provider priority. An
// empty list leaves s unchanged.
func (s *Snapshot) WithPriority(priority []string) *Snapshot {
	if len(priority) == 0 {
		return s
	}
	next := *s
	next.Priority = append([]string(nil), priority...)
	return &next
}
