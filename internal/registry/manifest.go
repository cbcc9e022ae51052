// Package registry discovers network tool providers, caches their
// manifests, filters tools by caller permission, and routes individual
// tool executions to the owning provider.
package registry

import (
	"fmt"
	"regexp"

	"github.com/danvaneijck/attache/internal/llm"
)

// toolNameRe matches valid unqualified tool and provider names. Single
// underscores only: the model layer encodes the namespace dot as a
// double underscore for vendors that reject dots in tool names, and
// that encoding must stay reversible.
var toolNameRe = regexp.MustCompile(`^[a-z](?:_?[a-z0-9])*$`)

// ToolDescriptor is one tool as declared in a provider manifest. Name
// is unqualified; the registry namespaces it as "provider.tool".
// Parameters is a JSON Schema object ({"type": "object", ...}), passed
// through to the model layer as the tool's input schema.
type ToolDescriptor struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Parameters    map[string]any `json:"parameters"`
	MinPermission int            `json:"min_permission"`
}

// Tool is a cached descriptor qualified with its owning provider.
type Tool struct {
	Name          string // "provider.tool"
	Provider      string
	Description   string
	Parameters    map[string]any
	MinPermission int
}

// Def converts the tool into the definition shape offered to models.
func (t Tool) Def() llm.ToolDef {
	schema := t.Parameters
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolDef{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// validateManifest structurally checks a fetched manifest. Any invalid
// descriptor rejects the whole manifest: caches are swapped wholesale,
// never partially merged.
func validateManifest(provider string, tools []ToolDescriptor) error {
	seen := make(map[string]bool, len(tools))
	for i, td := range tools {
		if !toolNameRe.MatchString(td.Name) {
			return fmt.Errorf("provider %s: tool %d has invalid name %q", provider, i, td.Name)
		}
		if seen[td.Name] {
			return fmt.Errorf("provider %s: duplicate tool name %q", provider, td.Name)
		}
		seen[td.Name] = true
		if td.MinPermission < 0 {
			return fmt.Errorf("provider %s: tool %q has negative min_permission", provider, td.Name)
		}
		if td.Parameters != nil {
			if typ, _ := td.Parameters["type"].(string); typ != "object" {
				return fmt.Errorf("provider %s: tool %q parameters must be an object schema", provider, td.Name)
			}
		}
	}
	return nil
}
