package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/refinerylabs/refinery/types"
)

// ParseDefinition decodes a YAML molecule definition and normalizes it:
// fresh statuses, zeroed runtime fields, gates bound to their steps. The
// result still goes through Submit for full validation.
func ParseDefinition(data []byte) (types.Molecule, error) {
	var m types.Molecule
	if err := yaml.Unmarshal(data, &m); err != nil {
		return types.Molecule{}, fmt.Errorf("failed to parse molecule definition: %w", err)
	}

	m.ID = 0
	m.Status = types.MoleculeDraft
	m.Degraded = false
	for i := range m.Steps {
		m.Steps[i].Status = types.StepPending
		m.Steps[i].Attempts = 0
		m.Steps[i].WorkItemID = 0
	}
	for i := range m.Gates {
		g := &m.Gates[i]
		g.Decision = ""
		if g.Mode == "" {
			g.Mode = types.GateAsyncManual
		}
		if g.StepID == "" {
			for _, step := range m.Steps {
				if step.GateID == g.ID {
					g.StepID = step.ID
					break
				}
			}
		}
	}
	return m, nil
}

// LoadDefinitionFile reads and parses a molecule definition from disk.
func LoadDefinitionFile(path string) (types.Molecule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Molecule{}, fmt.Errorf("failed to read molecule definition: %w", err)
	}
	return ParseDefinition(data)
}
