package aligner

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
)

// Aligner runs coordinate descent over all permutation spaces. Spaces are
// visited one at a time and each transform is published before the next
// space is read, so later spaces in a pass see earlier results.
type Aligner struct {
	config   *Config
	provider Provider
	solver   *Solver
	rng      *rand.Rand
	logger   *slog.Logger
}

// NewAligner creates an aligner over provider
func NewAligner(config *Config, provider Provider) (*Aligner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Aligner{
		config:   config,
		provider: provider,
		solver: &Solver{
			Soft:           config.UseSoftTransport,
			Regularization: config.TransportRegularization,
			Precision:      config.Precision,
		},
		rng:    rand.New(rand.NewSource(config.Seed)),
		logger: config.logger(),
	}, nil
}

// Run performs the configured number of passes, then warns about spaces that
// never received a transform and writes the aligned model if an output path
// is set. There is no early exit on a pass without changes.
func (a *Aligner) Run(state *State) (*Report, error) {
	spaces := a.allSpaces()

	var bar *progressbar.ProgressBar
	if a.config.ShowProgress {
		bar = progressbar.NewOptions(a.config.Iterations,
			progressbar.OptionSetDescription("Iterating"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	report := &Report{}
	for iter := 0; iter < a.config.Iterations; iter++ {
		stats, err := a.Step(state, spaces, iter)
		if err != nil {
			return report, err
		}
		report.Iterations = append(report.Iterations, stats)
		a.logger.Info("iteration complete", "iteration", iter, "changes", stats.Changes)

		if bar != nil {
			bar.Describe(fmt.Sprintf("Iterating [changes: %d]", stats.Changes))
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	for _, name := range a.provider.Spaces() {
		if _, ok := state.Transform(name); !ok {
			a.logger.Warn("space not transformed", "space", name)
			report.Untransformed = append(report.Untransformed, name)
		}
	}

	if a.config.OutputPath != "" {
		if err := a.provider.WriteAlignedModel(a.config.OutputPath); err != nil {
			return report, fmt.Errorf("failed to write aligned model: %w", err)
		}
	}
	return report, nil
}

// Step performs pass iter over spaces: declared order on the first pass, a
// shuffled order afterwards.
func (a *Aligner) Step(state *State, spaces []Space, iter int) (IterationStats, error) {
	stats := IterationStats{Iteration: iter}
	for _, space := range a.traversalOrder(spaces, iter) {
		changed, err := a.alignSpace(state, space)
		if err != nil {
			return stats, err
		}
		if changed {
			stats.Changes++
		}
	}
	return stats, nil
}

func (a *Aligner) allSpaces() []Space {
	var spaces []Space
	for _, name := range a.provider.Spaces() {
		spaces = append(spaces, PlainSpace(name))
	}
	for _, group := range a.provider.HeadGroups() {
		spaces = append(spaces, HeadGroupSpace(group))
	}
	return spaces
}

func (a *Aligner) traversalOrder(spaces []Space, iter int) []Space {
	order := make([]Space, len(spaces))
	if iter == 0 {
		copy(order, spaces)
		return order
	}
	for i, j := range a.rng.Perm(len(spaces)) {
		order[i] = spaces[j]
	}
	return order
}

// alignSpace recomputes one space and reports whether it counts as a change.
func (a *Aligner) alignSpace(state *State, space Space) (bool, error) {
	in, err := a.provider.SpaceTensors(a.config.Model, space, true, false)
	if err != nil {
		return false, fmt.Errorf("space %s: %w", space, err)
	}
	if len(in) == 0 {
		return false, nil
	}
	target, err := a.provider.SpaceTensors(a.config.Target, space, false, false)
	if err != nil {
		return false, fmt.Errorf("space %s: %w", space, err)
	}
	sortByName(in)
	sortByName(target)

	if len(in) != len(target) {
		return false, fmt.Errorf("%w: space %s has %d model and %d target tensors",
			ErrTensorCountMismatch, space, len(in), len(target))
	}
	if _, err := checkLeadingDims(space.ID(), tensorData(target)); err != nil {
		return false, a.reportDimensionMismatch(err, target)
	}

	if space.Kind == SpaceHeadGroup {
		return a.alignHeads(state, space, in, target)
	}

	group, err := a.spaceTags(space, target)
	if err != nil {
		return false, err
	}

	var transform *mat.Dense
	if group != "" {
		transform, err = ComposeHeadTransform(tensorData(in), tensorData(target), state.headPerms[group], a.provider.HeadDim())
		if err != nil {
			return false, fmt.Errorf("space %s: %w", space, err)
		}
	} else {
		asg, err := a.solve(space, tensorData(in), tensorData(target), target)
		if err != nil {
			return false, err
		}
		transform = asg.Matrix
	}

	old, hadOld := state.transforms[space.Name]
	var inverse *mat.Dense
	if !a.config.UseSoftTransport {
		inverse = mat.DenseCopyOf(transform.T())
	}
	if err := a.provider.SetTransform(space.Name, transform, inverse); err != nil {
		return false, fmt.Errorf("space %s: %w", space, err)
	}
	state.transforms[space.Name] = transform

	if hadOld && AllClose(old, transform) {
		return false, nil
	}
	for _, consumer := range a.provider.Consumers(space.Name) {
		if err := consumer.Refresh(); err != nil {
			return false, fmt.Errorf("space %s: refresh consumer: %w", space, err)
		}
	}
	return !isIdentity(transform), nil
}

// alignHeads matches whole heads of a group. Only the head permutation is
// stored; full-resolution transforms come from the group's plain spaces.
func (a *Aligner) alignHeads(state *State, space Space, in, target []SpaceTensor) (bool, error) {
	headDim := a.provider.HeadDim()
	inHeads, err := SplitHeads(tensorData(in), headDim, false)
	if err != nil {
		return false, fmt.Errorf("space %s: %w", space, err)
	}
	targetHeads, err := SplitHeads(tensorData(target), headDim, false)
	if err != nil {
		return false, fmt.Errorf("space %s: %w", space, err)
	}

	asg, err := a.solve(space, inHeads, targetHeads, target)
	if err != nil {
		return false, err
	}

	old, ok := state.headPerms[space.Group]
	if !ok {
		n, _ := asg.Matrix.Dims()
		old = Identity(n)
	}
	state.headPerms[space.Group] = asg.Matrix
	return !AllClose(old, asg.Matrix), nil
}

func (a *Aligner) solve(space Space, in, target []*mat.Dense, members []SpaceTensor) (*Assignment, error) {
	asg, err := a.solver.Align(space.ID(), in, target)
	if err != nil {
		return nil, a.reportDimensionMismatch(err, members)
	}
	if asg.Inexact() {
		a.logger.Warn("transport plan did not converge",
			"space", space.ID(), "niter", asg.Iterations, "err", asg.Residual)
	}
	return asg, nil
}

// reportDimensionMismatch names the implicated weights and logs them.
func (a *Aligner) reportDimensionMismatch(err error, members []SpaceTensor) error {
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) {
		return err
	}
	if dm.Pair >= 0 && dm.Pair < len(members) {
		dm.Weights = []string{members[dm.Pair].Info.Name}
		a.logger.Error("model and target shapes differ",
			"space", dm.Space, "model", dm.Shapes[0], "target", dm.Shapes[1], "weights", dm.Weights)
		return dm
	}
	dm.Weights = weightNames(members)
	a.logger.Error("output dimension mismatch",
		"space", dm.Space, "expected", dm.Expected, "shapes", dm.Shapes, "weights", dm.Weights)
	return dm
}

// spaceTags returns the single head group of a space (empty if none) and
// checks that all weights agree on RoPE.
func (a *Aligner) spaceTags(space Space, members []SpaceTensor) (string, error) {
	group := ""
	var rope *bool
	for _, m := range members {
		info := m.Info
		if info.HeadGroup != "" {
			if group != "" && group != info.HeadGroup {
				return "", fmt.Errorf("%w: space %s has %s and %s", ErrMultipleHeadGroups, space, group, info.HeadGroup)
			}
			group = info.HeadGroup
		}
		if rope == nil {
			r := info.RoPE
			rope = &r
		} else if *rope != info.RoPE {
			a.logger.Error("mixed RoPE flags",
				"space", space.ID(), "first", *rope, "found", info.RoPE, "weight", info.Name)
			return "", fmt.Errorf("%w: space %s", ErrMixedRoPE, space)
		}
	}
	return group, nil
}
