package aligner

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// headSpacePrefix marks the provider key of a head-group space.
const headSpacePrefix = "head:"

// SpaceKind distinguishes ordinary weight spaces from head-group spaces.
type SpaceKind int

const (
	// SpacePlain is a permutation space over raw rows of its member weights.
	SpacePlain SpaceKind = iota
	// SpaceHeadGroup permutes whole attention heads of a head group.
	SpaceHeadGroup
)

func (k SpaceKind) String() string {
	if k == SpaceHeadGroup {
		return "head-group"
	}
	return "plain"
}

// Space identifies one unit of alignment work.
type Space struct {
	Kind  SpaceKind
	Name  string // plain spaces only
	Group string // head-group spaces only
}

// PlainSpace returns the space for a named weight space.
func PlainSpace(name string) Space {
	return Space{Kind: SpacePlain, Name: name}
}

// HeadGroupSpace returns the space that permutes the heads of group.
func HeadGroupSpace(group string) Space {
	return Space{Kind: SpaceHeadGroup, Group: group}
}

// ID is the key used in logs and by providers.
func (s Space) ID() string {
	if s.Kind == SpaceHeadGroup {
		return headSpacePrefix + s.Group
	}
	return s.Name
}

func (s Space) String() string {
	return s.ID()
}

// ModelRef names a checkpoint known to the provider.
type ModelRef string

// WeightInfo is the static metadata of one tensor within a space.
type WeightInfo struct {
	Name      string
	HeadGroup string // empty when the weight is not split into heads
	RoPE      bool
}

// SpaceTensor is a weight oriented so that the space's axis is the row axis.
type SpaceTensor struct {
	Info WeightInfo
	Data *mat.Dense
}

// Consumer is something derived from a space that must be refreshed when the
// space's transform changes.
type Consumer interface {
	Refresh() error
}

// Provider supplies tensors and persists transforms. Everything about how
// weights map onto spaces lives behind it.
type Provider interface {
	// SpaceTensors returns the model's tensors for space. applyInput applies
	// the transforms of each weight's other axes; applyOutput applies the
	// space's own transform to the row axis.
	SpaceTensors(model ModelRef, space Space, applyInput, applyOutput bool) ([]SpaceTensor, error)

	// SetTransform persists the transform of a plain space. A nil inverse
	// leaves the provider to derive one.
	SetTransform(space string, forward, inverse *mat.Dense) error

	// Spaces lists plain spaces in declared order.
	Spaces() []string

	// HeadGroups lists head groups in declared order.
	HeadGroups() []string

	// HeadDim is the width of one attention head.
	HeadDim() int

	// Consumers returns the refresh hooks registered against space.
	Consumers(space string) []Consumer

	// WriteAlignedModel exports the model with every transform applied.
	WriteAlignedModel(outPath string) error
}

func sortByName(ts []SpaceTensor) {
	sort.SliceStable(ts, func(i, j int) bool {
		return ts[i].Info.Name < ts[j].Info.Name
	})
}

func tensorData(ts []SpaceTensor) []*mat.Dense {
	out := make([]*mat.Dense, len(ts))
	for i, t := range ts {
		out[i] = t.Data
	}
	return out
}

func weightNames(ts []SpaceTensor) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Info.Name
	}
	return out
}
