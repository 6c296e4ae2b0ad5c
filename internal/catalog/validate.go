package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/agentoven/toolgate/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

func validateSnapshot(s *Snapshot) (map[string]*jsonschema.Schema, error) {
	if len(s.Providers) == 0 {
		return nil, &models.ConfigError{Field: "providers", Detail: "at least one provider is required"}
	}
	for key, p := range s.Providers {
		if p.Name == "" || p.Name != key {
			return nil, &models.ConfigError{Field: "providers." + key, Detail: "name must match its registry key"}
		}
		if p.MaxTokens < 0 {
			return nil, &models.ConfigError{Field: "providers." + key + ".max_tokens", Detail: "must not be negative"}
		}
	}

	seen := make(map[string]bool, len(s.Priority))
	for _, name := range s.Priority {
		if _, ok := s.Providers[name]; !ok {
			return nil, &models.ConfigError{Field: "priority", Detail: fmt.Sprintf("unknown provider %q", name)}
		}
		if seen[name] {
			return nil, &models.ConfigError{Field: "priority", Detail: fmt.Sprintf("provider %q listed twice", name)}
		}
		seen[name] = true
	}

	for cat, chain := range s.Chains {
		switch cat {
		case models.CategoryFastResponse, models.CategoryExtendedReasoning, models.CategoryBalanced:
		default:
			return nil, &models.ConfigError{Field: "chains", Detail: fmt.Sprintf("unknown category %q", cat)}
		}
		for _, m := range chain {
			if _, ok := s.ProviderForModel(m); !ok {
				return nil, &models.ConfigError{
					Field:  "chains." + string(cat),
					Detail: fmt.Sprintf("model %q is not served by any provider", m),
				}
			}
		}
	}

	schemas := make(map[string]*jsonschema.Schema)
	for key, t := range s.Tools {
		if t.ToolName == "" || t.ToolName != key {
			return nil, &models.ConfigError{Field: "tools." + key, Detail: "tool_name must match its registry key"}
		}
		if t.MinTokens < 0 {
			return nil, &models.ConfigError{Field: "tools." + key + ".min_tokens", Detail: "must not be negative"}
		}
		for _, f := range t.Optional {
			if f == models.FeatureWebSearch {
				return nil, &models.ConfigError{Field: "tools." + key + ".optional", Detail: "web_search cannot be optional"}
			}
			if !knownFeature(f) {
				return nil, &models.ConfigError{Field: "tools." + key + ".optional", Detail: fmt.Sprintf("unknown feature %q", f)}
			}
		}
		if t.Category != "" {
			if _, ok := s.Chains[t.Category]; !ok {
				return nil, &models.ConfigError{Field: "tools." + key + ".category", Detail: fmt.Sprintf("no chain for category %q", t.Category)}
			}
		}
		if len(t.ArgumentSchema) > 0 {
			sch, err := compileSchema(key, t.ArgumentSchema)
			if err != nil {
				return nil, &models.ConfigError{Field: "tools." + key + ".argument_schema", Detail: err.Error()}
			}
			schemas[key] = sch
		}
	}
	return schemas, nil
}

func knownFeature(f models.Feature) bool {
	for _, k := range models.AllFeatures {
		if k == f {
			return true
		}
	}
	return false
}

// compileSchema round-trips the schema through JSON so values decoded from
// YAML (int, map[string]any) arrive in the shape the compiler expects.
func compileSchema(tool string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := tool + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// ValidateArguments checks args against the tool's argument schema. Tools
// without a schema accept any JSON value.
func (c *Catalog) ValidateArguments(tool string, args json.RawMessage) error {
	snap := c.snap.Load()
	if _, ok := snap.Tools[tool]; !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownTool, tool)
	}
	sch, ok := snap.schemas[tool]
	if !ok {
		return nil
	}

	var inst any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &inst); err != nil {
			return fmt.Errorf("%w: arguments are not valid JSON: %v", models.ErrInvalidArguments, err)
		}
	} else {
		inst = map[string]any{}
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidArguments, err)
	}
	return nil
}
