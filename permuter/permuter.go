package permuter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"model-align-go/aligner"
	"model-align-go/checkpoint"
	"model-align-go/topology"
)

// Model references understood by a Permuter.
const (
	ModelRef  aligner.ModelRef = "model"
	TargetRef aligner.ModelRef = "target"
)

var (
	// ErrUnknownModel is returned for a model reference other than ModelRef and TargetRef.
	ErrUnknownModel = errors.New("permuter: unknown model")
)

// Permuter applies space transforms to a model checkpoint and serves both the
// model and the target to the aligner, oriented by space. Transforms act on
// stored weights as W' = P_out · W · P_in⁻¹.
type Permuter struct {
	topo        *topology.Topology
	checkpoints map[aligner.ModelRef]*checkpoint.Checkpoint

	forward map[string]*mat.Dense
	inverse map[string]*mat.Dense

	mu    sync.Mutex
	cache map[uint64]*mat.Dense

	outDType checkpoint.DType
	runID    string
	logger   *slog.Logger
}

// Option is a functional option for Permuter
type Option func(*Permuter)

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Permuter) {
		p.logger = l
	}
}

// WithOutputDType sets the dtype of every exported tensor. By default each
// tensor keeps its source dtype.
func WithOutputDType(d checkpoint.DType) Option {
	return func(p *Permuter) {
		p.outDType = d
	}
}

// WithRunID sets the identifier stamped into exported metadata.
func WithRunID(id string) Option {
	return func(p *Permuter) {
		p.runID = id
	}
}

// New creates a permuter for model against target. Every weight of topo must
// exist in both checkpoints; target shapes are left for the aligner to check.
func New(topo *topology.Topology, model, target *checkpoint.Checkpoint, opts ...Option) (*Permuter, error) {
	p := &Permuter{
		topo: topo,
		checkpoints: map[aligner.ModelRef]*checkpoint.Checkpoint{
			ModelRef:  model,
			TargetRef: target,
		},
		forward: make(map[string]*mat.Dense),
		inverse: make(map[string]*mat.Dense),
		cache:   make(map[uint64]*mat.Dense),
		runID:   uuid.New().String(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, w := range topo.Weights() {
		info, ok := model.Info(w.Name)
		if !ok {
			return nil, fmt.Errorf("model: %w: %s", checkpoint.ErrTensorNotFound, w.Name)
		}
		if !slices.Equal(info.Shape, w.Shape) {
			return nil, fmt.Errorf("model: %w: %s has shape %v, topology expects %v",
				topology.ErrInvalidTopology, w.Name, info.Shape, w.Shape)
		}
		if _, ok := target.Info(w.Name); !ok {
			return nil, fmt.Errorf("target: %w: %s", checkpoint.ErrTensorNotFound, w.Name)
		}
	}
	if p.outDType != "" && p.outDType.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrUnsupportedDType, p.outDType)
	}
	return p, nil
}

// RunID returns the identifier stamped into exported metadata.
func (p *Permuter) RunID() string {
	return p.runID
}

// Spaces returns the topology's spaces in declared order.
func (p *Permuter) Spaces() []string {
	return p.topo.SpaceNames()
}

// HeadGroups returns the topology's head groups.
func (p *Permuter) HeadGroups() []string {
	return p.topo.HeadGroups()
}

// HeadDim returns the attention head width.
func (p *Permuter) HeadDim() int {
	return p.topo.HeadDim
}

// Transform returns the forward and inverse transform of a space.
func (p *Permuter) Transform(space string) (forward, inverse *mat.Dense, ok bool) {
	forward, ok = p.forward[space]
	return forward, p.inverse[space], ok
}

// SetTransform stores the transform of a space. Without an inverse the
// matrix inverse is used, or the transpose when forward is singular.
func (p *Permuter) SetTransform(space string, forward, inverse *mat.Dense) error {
	s, ok := p.topo.Space(space)
	if !ok {
		return fmt.Errorf("%w: %s", topology.ErrUnknownSpace, space)
	}
	if r, c := forward.Dims(); r != s.Dim || c != s.Dim {
		return fmt.Errorf("%w: transform of %s is %dx%d, space has dimension %d",
			aligner.ErrDimensionMismatch, space, r, c, s.Dim)
	}

	if inverse == nil {
		inverse = p.invert(space, forward)
	} else if r, c := inverse.Dims(); r != s.Dim || c != s.Dim {
		return fmt.Errorf("%w: inverse of %s is %dx%d, space has dimension %d",
			aligner.ErrDimensionMismatch, space, r, c, s.Dim)
	}

	p.forward[space] = mat.DenseCopyOf(forward)
	p.inverse[space] = mat.DenseCopyOf(inverse)
	return nil
}

func (p *Permuter) invert(space string, forward *mat.Dense) *mat.Dense {
	var inv mat.Dense
	err := inv.Inverse(forward)
	if err == nil {
		return &inv
	}

	var cond mat.Condition
	if errors.As(err, &cond) && !math.IsInf(float64(cond), 1) {
		p.logger.Warn("transform is ill-conditioned", "space", space, "condition", float64(cond))
		return &inv
	}
	p.logger.Warn("transform is singular, using its transpose as inverse", "space", space, "err", err)
	return mat.DenseCopyOf(forward.T())
}

// SpaceTensors returns the members of space oriented with the space's axis
// as rows. Transforms only ever apply to the model, never to the target.
// Returned matrices are shared with the cache and must not be modified.
func (p *Permuter) SpaceTensors(model aligner.ModelRef, space aligner.Space, applyInput, applyOutput bool) ([]aligner.SpaceTensor, error) {
	if _, ok := p.checkpoints[model]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	var spaces []string
	switch space.Kind {
	case aligner.SpaceHeadGroup:
		spaces = p.topo.GroupSpaces(space.Group)
		if len(spaces) == 0 {
			return nil, fmt.Errorf("%w: head group %s", topology.ErrUnknownSpace, space.Group)
		}
	default:
		if _, ok := p.topo.Space(space.Name); !ok {
			return nil, fmt.Errorf("%w: %s", topology.ErrUnknownSpace, space.Name)
		}
		spaces = []string{space.Name}
	}

	transformed := model == ModelRef
	var out []aligner.SpaceTensor
	for _, name := range spaces {
		s, _ := p.topo.Space(name)
		for _, m := range p.topo.Members(name) {
			data, err := p.oriented(model, m, applyInput && transformed)
			if err != nil {
				return nil, err
			}
			if applyOutput && transformed {
				if f, ok := p.forward[name]; ok {
					var y mat.Dense
					y.Mul(f, data)
					data = &y
				}
			}
			out = append(out, aligner.SpaceTensor{
				Info: aligner.WeightInfo{Name: m.Weight, HeadGroup: s.HeadGroup, RoPE: s.RoPE},
				Data: data,
			})
		}
	}
	return out, nil
}

// Consumers returns one cache consumer per weight axis whose input view
// depends on space.
func (p *Permuter) Consumers(space string) []aligner.Consumer {
	var out []aligner.Consumer
	for _, m := range p.topo.Members(space) {
		w, _ := p.topo.Weight(m.Weight)
		for axis, s := range w.Spaces {
			if axis == m.Axis || s == "" {
				continue
			}
			out = append(out, &cacheConsumer{
				p:      p,
				weight: w.Name,
				axis:   axis,
				key:    cacheKey(ModelRef, w.Name, axis, true),
			})
		}
	}
	return out
}
