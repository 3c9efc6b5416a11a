// Package raci validates step accountability assignments. Every step must
// carry exactly one accountable actor before its molecule may activate;
// violations block activation and never default silently.
package raci

import (
	"fmt"

	"github.com/refinerylabs/refinery/types"
)

// Violation describes why a step's RACI assignment is invalid.
type Violation struct {
	StepID string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("raci violation on step %s: %s", v.StepID, v.Reason)
}

// Validate checks a step's assignment: exactly one accountable actor, no
// blank role entries. An actor may hold additional roles alongside
// accountable; accountability itself is never shared.
func Validate(step types.Step) error {
	acc := step.Assignment.Accountable
	switch {
	case len(acc) == 0:
		return &Violation{StepID: step.ID, Reason: "no accountable actor"}
	case len(acc) > 1:
		return &Violation{StepID: step.ID, Reason: fmt.Sprintf("accountable is exclusive, got %d actors", len(acc))}
	case acc[0] == "":
		return &Violation{StepID: step.ID, Reason: "accountable actor id is empty"}
	}

	for role, actors := range map[string][]string{
		"responsible": step.Assignment.Responsible,
		"consulted":   step.Assignment.Consulted,
		"informed":    step.Assignment.Informed,
	} {
		for _, id := range actors {
			if id == "" {
				return &Violation{StepID: step.ID, Reason: fmt.Sprintf("empty actor id in %s role", role)}
			}
		}
	}
	return nil
}

// ValidateAll validates every step and returns the first violation found.
func ValidateAll(steps []types.Step) error {
	for _, step := range steps {
		if err := Validate(step); err != nil {
			return err
		}
	}
	return nil
}
