// Package match implements capability-based eligibility: an actor may claim
// a step only when its capability set is a superset of the step's required
// tags. Matching is explicit set intersection over an indexed roster, never
// reflection.
package match

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/refinerylabs/refinery/types"
)

// Unstaffed is the diagnostic returned when no actor on the roster satisfies
// a requirement set. The owning step is held, not dropped; the engine may
// retry after roster changes.
type Unstaffed struct {
	Requires []string
}

func (u *Unstaffed) Error() string {
	return fmt.Sprintf("no actor satisfies capabilities [%s]", strings.Join(u.Requires, ", "))
}

// Eligible returns the actors whose capability set is a superset of the
// requirement. A nil or empty requirement matches every actor.
func Eligible(requires []string, roster []types.Actor) []types.Actor {
	var out []types.Actor
	for _, actor := range roster {
		if Satisfies(requires, actor.Capabilities) {
			out = append(out, actor)
		}
	}
	return out
}

// Satisfies reports whether capabilities cover every required tag.
func Satisfies(requires, capabilities []string) bool {
	if len(requires) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[c] = struct{}{}
	}
	for _, r := range requires {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Roster is a queryable index of actors by capability tag.
type Roster struct {
	mu       sync.RWMutex
	byTag    map[string]map[string]struct{}
	capsByID map[string][]string
}

// NewRoster creates an empty roster index.
func NewRoster() *Roster {
	return &Roster{
		byTag:    make(map[string]map[string]struct{}),
		capsByID: make(map[string][]string),
	}
}

// Add indexes an actor's capabilities, replacing any previous entry.
func (r *Roster) Add(actor types.Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(actor.ID)
	caps := make([]string, len(actor.Capabilities))
	copy(caps, actor.Capabilities)
	r.capsByID[actor.ID] = caps
	for _, tag := range caps {
		if r.byTag[tag] == nil {
			r.byTag[tag] = make(map[string]struct{})
		}
		r.byTag[tag][actor.ID] = struct{}{}
	}
}

// Remove drops an actor from the index.
func (r *Roster) Remove(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(actorID)
}

func (r *Roster) removeLocked(actorID string) {
	for _, tag := range r.capsByID[actorID] {
		delete(r.byTag[tag], actorID)
		if len(r.byTag[tag]) == 0 {
			delete(r.byTag, tag)
		}
	}
	delete(r.capsByID, actorID)
}

// Eligible returns the sorted IDs of actors satisfying the requirement, or
// an Unstaffed error when none do. An empty requirement matches the whole
// roster.
func (r *Roster) Eligible(requires []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates map[string]struct{}
	if len(requires) == 0 {
		candidates = make(map[string]struct{}, len(r.capsByID))
		for id := range r.capsByID {
			candidates[id] = struct{}{}
		}
	} else {
		// Intersect postings, starting from the rarest tag's set.
		for i, tag := range requires {
			posting := r.byTag[tag]
			if len(posting) == 0 {
				return nil, &Unstaffed{Requires: requires}
			}
			if i == 0 {
				candidates = make(map[string]struct{}, len(posting))
				for id := range posting {
					candidates[id] = struct{}{}
				}
				continue
			}
			for id := range candidates {
				if _, ok := posting[id]; !ok {
					delete(candidates, id)
				}
			}
		}
	}

	if len(candidates) == 0 {
		return nil, &Unstaffed{Requires: requires}
	}
	out := make([]string, 0, len(candidates))
	for id := range candidates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Size returns the number of indexed actors.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capsByID)
}
