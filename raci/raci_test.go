package raci

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/refinerylabs/refinery/types"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		assignment types.RACI
		wantErr    string
	}{
		{
			name:       "single accountable",
			assignment: types.RACI{Accountable: []string{"writer-1"}},
		},
		{
			name: "accountable with other roles",
			assignment: types.RACI{
				Accountable: []string{"writer-1"},
				Responsible: []string{"writer-1", "editor-1"},
				Consulted:   []string{"artist-1"},
				Informed:    []string{"lead-1"},
			},
		},
		{
			name:       "no accountable",
			assignment: types.RACI{Responsible: []string{"writer-1"}},
			wantErr:    "no accountable actor",
		},
		{
			name:       "shared accountability",
			assignment: types.RACI{Accountable: []string{"writer-1", "editor-1"}},
			wantErr:    "accountable is exclusive",
		},
		{
			name:       "blank accountable",
			assignment: types.RACI{Accountable: []string{""}},
			wantErr:    "accountable actor id is empty",
		},
		{
			name: "blank entry in secondary role",
			assignment: types.RACI{
				Accountable: []string{"writer-1"},
				Informed:    []string{""},
			},
			wantErr: "empty actor id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(types.Step{ID: "draft", Assignment: tt.assignment})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var violation *Violation
			assert.ErrorAs(t, err, &violation)
			assert.Equal(t, "draft", violation.StepID)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAll(t *testing.T) {
	steps := []types.Step{
		{ID: "a", Assignment: types.RACI{Accountable: []string{"writer-1"}}},
		{ID: "b", Assignment: types.RACI{}},
		{ID: "c", Assignment: types.RACI{Accountable: []string{"x", "y"}}},
	}

	err := ValidateAll(steps)
	var violation *Violation
	assert.ErrorAs(t, err, &violation)
	assert.Equal(t, "b", violation.StepID)

	assert.NoError(t, ValidateAll(steps[:1]))
	assert.NoError(t, ValidateAll(nil))
}
