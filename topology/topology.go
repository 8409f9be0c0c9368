package topology

import (
	"fmt"
)

// Space is an axis shared by several weights that may be reordered as a
// whole without changing what the network computes.
type Space struct {
	Name      string
	Dim       int
	HeadGroup string // set when the axis is split into attention heads
	RoPE      bool   // set when rotary embeddings act on the axis
}

// Weight is a stored tensor and the space each of its axes belongs to. An
// empty entry marks an axis no space permutes, such as the vocabulary.
type Weight struct {
	Name   string
	Shape  []int
	Spaces []string
}

// Member is one weight axis belonging to a space.
type Member struct {
	Weight string
	Axis   int
}

// Topology is the weight graph of a model: spaces in declared order and
// the weights whose axes live in them.
type Topology struct {
	HeadDim int

	spaces  []Space
	weights []Weight

	spaceIndex  map[string]int
	weightIndex map[string]int
	members     map[string][]Member
	groups      []string
	groupSpaces map[string][]string
}

// New validates spaces and weights and indexes them. Every space must be
// used by at least one weight axis, a weight may use a space only once, and
// every axis must match its space's dimension.
func New(spaces []Space, weights []Weight, headDim int) (*Topology, error) {
	t := &Topology{
		HeadDim:     headDim,
		spaces:      append([]Space(nil), spaces...),
		spaceIndex:  make(map[string]int, len(spaces)),
		weightIndex: make(map[string]int, len(weights)),
		members:     make(map[string][]Member, len(spaces)),
		groupSpaces: make(map[string][]string),
	}

	for i, s := range spaces {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: space %d has no name", ErrInvalidTopology, i)
		}
		if _, dup := t.spaceIndex[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate space %s", ErrInvalidTopology, s.Name)
		}
		if s.Dim <= 0 {
			return nil, fmt.Errorf("%w: space %s has dimension %d", ErrInvalidTopology, s.Name, s.Dim)
		}
		t.spaceIndex[s.Name] = i

		if s.HeadGroup == "" {
			continue
		}
		if headDim <= 0 || s.Dim%headDim != 0 {
			return nil, fmt.Errorf("%w: space %s of dimension %d does not split into heads of %d",
				ErrInvalidTopology, s.Name, s.Dim, headDim)
		}
		if s.RoPE && headDim%2 != 0 {
			return nil, fmt.Errorf("%w: rotary space %s needs an even head dimension, got %d",
				ErrInvalidTopology, s.Name, headDim)
		}
		if others := t.groupSpaces[s.HeadGroup]; len(others) > 0 {
			first := spaces[t.spaceIndex[others[0]]]
			if first.Dim != s.Dim {
				return nil, fmt.Errorf("%w: head group %s mixes dimensions %d and %d",
					ErrInvalidTopology, s.HeadGroup, first.Dim, s.Dim)
			}
		} else {
			t.groups = append(t.groups, s.HeadGroup)
		}
		t.groupSpaces[s.HeadGroup] = append(t.groupSpaces[s.HeadGroup], s.Name)
	}

	for _, w := range weights {
		if _, dup := t.weightIndex[w.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate weight %s", ErrInvalidTopology, w.Name)
		}
		if len(w.Shape) == 0 || len(w.Shape) > 2 {
			return nil, fmt.Errorf("%w: weight %s has rank %d", ErrInvalidTopology, w.Name, len(w.Shape))
		}
		if len(w.Spaces) != len(w.Shape) {
			return nil, fmt.Errorf("%w: weight %s has %d axes but %d space entries",
				ErrInvalidTopology, w.Name, len(w.Shape), len(w.Spaces))
		}

		seen := make(map[string]bool, len(w.Spaces))
		for axis, name := range w.Spaces {
			if name == "" {
				continue
			}
			idx, ok := t.spaceIndex[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s (weight %s)", ErrUnknownSpace, name, w.Name)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: weight %s uses space %s twice", ErrInvalidTopology, w.Name, name)
			}
			seen[name] = true
			if dim := spaces[idx].Dim; w.Shape[axis] != dim {
				return nil, fmt.Errorf("%w: weight %s axis %d is %d, space %s is %d",
					ErrInvalidTopology, w.Name, axis, w.Shape[axis], name, dim)
			}
			t.members[name] = append(t.members[name], Member{Weight: w.Name, Axis: axis})
		}

		t.weightIndex[w.Name] = len(t.weights)
		t.weights = append(t.weights, Weight{
			Name:   w.Name,
			Shape:  append([]int(nil), w.Shape...),
			Spaces: append([]string(nil), w.Spaces...),
		})
	}

	for _, s := range spaces {
		if len(t.members[s.Name]) == 0 {
			return nil, fmt.Errorf("%w: space %s has no weights", ErrInvalidTopology, s.Name)
		}
	}
	return t, nil
}

// Spaces returns all spaces in declared order.
func (t *Topology) Spaces() []Space {
	return append([]Space(nil), t.spaces...)
}

// SpaceNames returns the space names in declared order.
func (t *Topology) SpaceNames() []string {
	out := make([]string, len(t.spaces))
	for i, s := range t.spaces {
		out[i] = s.Name
	}
	return out
}

// Space looks up a space by name.
func (t *Topology) Space(name string) (Space, bool) {
	idx, ok := t.spaceIndex[name]
	if !ok {
		return Space{}, false
	}
	return t.spaces[idx], true
}

// Weights returns all weights in declared order.
func (t *Topology) Weights() []Weight {
	return append([]Weight(nil), t.weights...)
}

// Weight looks up a weight by name.
func (t *Topology) Weight(name string) (Weight, bool) {
	idx, ok := t.weightIndex[name]
	if !ok {
		return Weight{}, false
	}
	return t.weights[idx], true
}

// Members returns the weight axes of a space in declared weight order.
func (t *Topology) Members(space string) []Member {
	return append([]Member(nil), t.members[space]...)
}

// HeadGroups returns head group names in order of first appearance.
func (t *Topology) HeadGroups() []string {
	return append([]string(nil), t.groups...)
}

// GroupSpaces returns the spaces of a head group in declared order.
func (t *Topology) GroupSpaces(group string) []string {
	return append([]string(nil), t.groupSpaces[group]...)
}
