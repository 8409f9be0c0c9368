package aligner

import (
	"bytes"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const (
	modelRef  ModelRef = "model"
	targetRef ModelRef = "target"
)

// fakeProvider serves fixed tensors per space. Spaces do not couple, so the
// model tensors it returns never change with other spaces' transforms.
type fakeProvider struct {
	headDim int
	spaces  []string
	groups  []string

	tensors map[ModelRef]map[string][]SpaceTensor

	forward   map[string]*mat.Dense
	inverse   map[string]*mat.Dense
	setCalls  []string
	refreshed map[string]int
	written   string
}

func newFakeProvider(headDim int) *fakeProvider {
	return &fakeProvider{
		headDim: headDim,
		tensors: map[ModelRef]map[string][]SpaceTensor{
			modelRef:  {},
			targetRef: {},
		},
		forward:   make(map[string]*mat.Dense),
		inverse:   make(map[string]*mat.Dense),
		refreshed: make(map[string]int),
	}
}

func (p *fakeProvider) addSpace(name string, model, target []SpaceTensor) {
	p.spaces = append(p.spaces, name)
	p.tensors[modelRef][name] = model
	p.tensors[targetRef][name] = target
}

func (p *fakeProvider) addGroup(group string, model, target []SpaceTensor) {
	p.groups = append(p.groups, group)
	id := HeadGroupSpace(group).ID()
	p.tensors[modelRef][id] = model
	p.tensors[targetRef][id] = target
}

func (p *fakeProvider) SpaceTensors(model ModelRef, space Space, applyInput, applyOutput bool) ([]SpaceTensor, error) {
	var out []SpaceTensor
	for _, t := range p.tensors[model][space.ID()] {
		data := mat.DenseCopyOf(t.Data)
		if applyOutput {
			if f, ok := p.forward[space.ID()]; ok {
				var y mat.Dense
				y.Mul(f, data)
				data = &y
			}
		}
		out = append(out, SpaceTensor{Info: t.Info, Data: data})
	}
	return out, nil
}

func (p *fakeProvider) SetTransform(space string, forward, inverse *mat.Dense) error {
	p.forward[space] = forward
	p.inverse[space] = inverse
	p.setCalls = append(p.setCalls, space)
	return nil
}

func (p *fakeProvider) Spaces() []string     { return p.spaces }
func (p *fakeProvider) HeadGroups() []string { return p.groups }
func (p *fakeProvider) HeadDim() int         { return p.headDim }

type countingConsumer struct {
	p     *fakeProvider
	space string
}

func (c countingConsumer) Refresh() error {
	c.p.refreshed[c.space]++
	return nil
}

func (p *fakeProvider) Consumers(space string) []Consumer {
	return []Consumer{countingConsumer{p: p, space: space}}
}

func (p *fakeProvider) WriteAlignedModel(outPath string) error {
	p.written = outPath
	return nil
}

// quietLogger discards output but keeps it inspectable.
func quietLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

func permuteRows(m *mat.Dense, colFor []int) *mat.Dense {
	var out mat.Dense
	out.Mul(permutationMatrix(colFor), m)
	return &out
}

func tensor(name string, data *mat.Dense) SpaceTensor {
	return SpaceTensor{Info: WeightInfo{Name: name}, Data: data}
}

func headTensor(name, group string, rope bool, data *mat.Dense) SpaceTensor {
	return SpaceTensor{Info: WeightInfo{Name: name, HeadGroup: group, RoPE: rope}, Data: data}
}

// rotateHeads turns pair k of every head by angles[h] as the complex product
// z·e^{iφ}, with real parts in the first half of each head.
func rotateHeads(m *mat.Dense, headDim int, angles []float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.DenseCopyOf(m)
	half := headDim / 2
	for h := 0; h < r/headDim; h++ {
		sin, cos := math.Sincos(angles[h])
		for k := 0; k < half; k++ {
			for j := 0; j < c; j++ {
				re := m.At(h*headDim+k, j)
				im := m.At(h*headDim+half+k, j)
				out.Set(h*headDim+k, j, re*cos-im*sin)
				out.Set(h*headDim+half+k, j, re*sin+im*cos)
			}
		}
	}
	return out
}

func requirePermutation(t *testing.T, m mat.Matrix) {
	t.Helper()
	r, c := m.Dims()
	require.Equal(t, r, c)
	for i := 0; i < r; i++ {
		var rowSum, colSum float64
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			require.True(t, v == 0 || v == 1, "entry (%d,%d) = %g", i, j, v)
			rowSum += v
			colSum += m.At(j, i)
		}
		require.Equal(t, 1.0, rowSum, "row %d", i)
		require.Equal(t, 1.0, colSum, "column %d", i)
	}
}

func requireOrthogonal(t *testing.T, m mat.Matrix, tol float64) {
	t.Helper()
	r, _ := m.Dims()
	var mmt mat.Dense
	mmt.Mul(m, m.T())
	require.True(t, mat.EqualApprox(&mmt, Identity(r), tol), "M·Mᵀ != I:\n%v", mat.Formatted(&mmt))
}
