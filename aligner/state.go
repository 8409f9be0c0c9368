package aligner

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// State is everything an alignment run accumulates. Only the Aligner writes
// to it; callers may read it between and after runs.
type State struct {
	transforms map[string]*mat.Dense
	headPerms  map[string]*mat.Dense
}

// NewState returns an empty state: every space is untransformed and every
// head group is in identity order.
func NewState() *State {
	return &State{
		transforms: make(map[string]*mat.Dense),
		headPerms:  make(map[string]*mat.Dense),
	}
}

// Transform returns the latest transform of a plain space.
func (s *State) Transform(space string) (*mat.Dense, bool) {
	t, ok := s.transforms[space]
	return t, ok
}

// HeadPermutation returns the latest head permutation of a group.
func (s *State) HeadPermutation(group string) (*mat.Dense, bool) {
	p, ok := s.headPerms[group]
	return p, ok
}

// TransformedSpaces lists spaces holding a transform, sorted.
func (s *State) TransformedSpaces() []string {
	out := make([]string, 0, len(s.transforms))
	for name := range s.transforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IterationStats summarizes one pass over all spaces.
type IterationStats struct {
	Iteration int
	Changes   int
}

// Report is the outcome of Aligner.Run.
type Report struct {
	Iterations    []IterationStats
	Untransformed []string
}
