package match

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/refinerylabs/refinery/types"
)

func TestSatisfies(t *testing.T) {
	tests := []struct {
		name         string
		requires     []string
		capabilities []string
		want         bool
	}{
		{"empty requirement matches anyone", nil, nil, true},
		{"exact match", []string{"writing"}, []string{"writing"}, true},
		{"superset matches", []string{"writing"}, []string{"writing", "editing"}, true},
		{"subset does not", []string{"writing", "editing"}, []string{"writing"}, false},
		{"disjoint does not", []string{"art"}, []string{"writing"}, false},
		{"duplicate tags in requirement", []string{"writing", "writing"}, []string{"writing"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Satisfies(tt.requires, tt.capabilities))
		})
	}
}

func TestEligible(t *testing.T) {
	roster := []types.Actor{
		{ID: "writer-1", Capabilities: []string{"writing"}},
		{ID: "editor-1", Capabilities: []string{"writing", "editing"}},
		{ID: "artist-1", Capabilities: []string{"art"}},
	}

	got := Eligible([]string{"writing"}, roster)
	assert.Len(t, got, 2)

	got = Eligible([]string{"writing", "editing"}, roster)
	assert.Len(t, got, 1)
	assert.Equal(t, "editor-1", got[0].ID)

	got = Eligible([]string{"translation"}, roster)
	assert.Empty(t, got)

	got = Eligible(nil, roster)
	assert.Len(t, got, 3)
}

func TestRoster(t *testing.T) {
	t.Run("eligible is sorted intersection", func(t *testing.T) {
		r := NewRoster()
		r.Add(types.Actor{ID: "editor-1", Capabilities: []string{"writing", "editing"}})
		r.Add(types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})
		r.Add(types.Actor{ID: "artist-1", Capabilities: []string{"art"}})

		ids, err := r.Eligible([]string{"writing"})
		assert.NoError(t, err)
		assert.Equal(t, []string{"editor-1", "writer-1"}, ids)

		ids, err = r.Eligible([]string{"writing", "editing"})
		assert.NoError(t, err)
		assert.Equal(t, []string{"editor-1"}, ids)
	})

	t.Run("unstaffed names the requirement", func(t *testing.T) {
		r := NewRoster()
		r.Add(types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})

		_, err := r.Eligible([]string{"writing", "translation"})
		var unstaffed *Unstaffed
		assert.ErrorAs(t, err, &unstaffed)
		assert.Equal(t, []string{"writing", "translation"}, unstaffed.Requires)
		assert.Contains(t, unstaffed.Error(), "translation")
	})

	t.Run("empty roster is unstaffed even without requirements", func(t *testing.T) {
		r := NewRoster()
		_, err := r.Eligible(nil)
		var unstaffed *Unstaffed
		assert.ErrorAs(t, err, &unstaffed)
	})

	t.Run("add replaces previous capabilities", func(t *testing.T) {
		r := NewRoster()
		r.Add(types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})
		r.Add(types.Actor{ID: "writer-1", Capabilities: []string{"editing"}})

		_, err := r.Eligible([]string{"writing"})
		assert.Error(t, err)
		ids, err := r.Eligible([]string{"editing"})
		assert.NoError(t, err)
		assert.Equal(t, []string{"writer-1"}, ids)
		assert.Equal(t, 1, r.Size())
	})

	t.Run("remove drops actor from postings", func(t *testing.T) {
		r := NewRoster()
		r.Add(types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})
		r.Add(types.Actor{ID: "editor-1", Capabilities: []string{"writing"}})
		r.Remove("writer-1")

		ids, err := r.Eligible([]string{"writing"})
		assert.NoError(t, err)
		assert.Equal(t, []string{"editor-1"}, ids)
		assert.Equal(t, 1, r.Size())
	})
}
