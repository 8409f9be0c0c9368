package permuter

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"model-align-go/aligner"
	"model-align-go/checkpoint"
	"model-align-go/topology"
)

const tinyConfig = `{"model_type": "llama", "hidden_size": 2, "num_hidden_layers": 1, "num_attention_heads": 1, "vocab_size": 4}`

func quietLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func writeCheckpoint(t *testing.T, dir, config string, tensors map[string]*checkpoint.Tensor, dtype checkpoint.DType) *checkpoint.Checkpoint {
	t.Helper()
	var records []checkpoint.Record
	for name, tensor := range tensors {
		r, err := checkpoint.TensorRecord(name, tensor, dtype)
		require.NoError(t, err)
		records = append(records, r)
	}
	require.NoError(t, checkpoint.Save(dir, []byte(config), records, nil))
	c, err := checkpoint.Open(dir)
	require.NoError(t, err)
	return c
}

func tensorOf(shape []int, values ...float32) *checkpoint.Tensor {
	t := checkpoint.NewTensor(shape...)
	copy(t.Data, values)
	return t
}

// smallTopology has spaces a (2) and b (3):
//
//	w [2,3] -> (a, b), v [3] -> (b), e [4,2] -> (-, a)
func smallTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.New(
		[]topology.Space{{Name: "a", Dim: 2}, {Name: "b", Dim: 3}},
		[]topology.Weight{
			{Name: "w", Shape: []int{2, 3}, Spaces: []string{"a", "b"}},
			{Name: "v", Shape: []int{3}, Spaces: []string{"b"}},
			{Name: "e", Shape: []int{4, 2}, Spaces: []string{"", "a"}},
		},
		0,
	)
	require.NoError(t, err)
	return topo
}

func smallTensors() map[string]*checkpoint.Tensor {
	return map[string]*checkpoint.Tensor{
		"w":     tensorOf([]int{2, 3}, 1, 2, 3, 4, 5, 6),
		"v":     tensorOf([]int{3}, 7, 8, 9),
		"e":     tensorOf([]int{4, 2}, 1, -1, 2, -2, 3, -3, 4, -4),
		"extra": tensorOf([]int{2}, 0.5, 0.25),
	}
}

func newSmallPermuter(t *testing.T, opts ...Option) (*Permuter, *bytes.Buffer) {
	t.Helper()
	model := writeCheckpoint(t, t.TempDir(), tinyConfig, smallTensors(), checkpoint.DTypeF32)
	target := writeCheckpoint(t, t.TempDir(), tinyConfig, smallTensors(), checkpoint.DTypeF32)
	logger, buf := quietLogger()
	p, err := New(smallTopology(t), model, target, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return p, buf
}

func TestSpaceTensorsOrientation(t *testing.T) {
	p, _ := newSmallPermuter(t)

	ts, err := p.SpaceTensors(ModelRef, aligner.PlainSpace("a"), false, false)
	require.NoError(t, err)
	require.Len(t, ts, 2)

	assert.Equal(t, "w", ts[0].Info.Name)
	assert.True(t, mat.Equal(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}), ts[0].Data))
	assert.Equal(t, "e", ts[1].Info.Name)
	assert.True(t, mat.Equal(mat.NewDense(2, 4, []float64{1, 2, 3, 4, -1, -2, -3, -4}), ts[1].Data))

	ts, err = p.SpaceTensors(ModelRef, aligner.PlainSpace("b"), false, false)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.True(t, mat.Equal(mat.NewDense(3, 2, []float64{1, 4, 2, 5, 3, 6}), ts[0].Data))
	assert.True(t, mat.Equal(mat.NewDense(3, 1, []float64{7, 8, 9}), ts[1].Data))

	_, err = p.SpaceTensors(ModelRef, aligner.PlainSpace("nope"), false, false)
	require.ErrorIs(t, err, topology.ErrUnknownSpace)
	_, err = p.SpaceTensors("other", aligner.PlainSpace("a"), false, false)
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestInputViewsFollowConsumers(t *testing.T) {
	p, buf := newSmallPermuter(t)
	swapB := mat.NewDense(3, 3, []float64{0, 1, 0, 1, 0, 0, 0, 0, 1})

	before, err := p.SpaceTensors(ModelRef, aligner.PlainSpace("a"), true, false)
	require.NoError(t, err)
	raw := mat.DenseCopyOf(before[0].Data)

	require.NoError(t, p.SetTransform("b", swapB, nil))

	// the cached view is stale until the consumers of b are refreshed
	stale, err := p.SpaceTensors(ModelRef, aligner.PlainSpace("a"), true, false)
	require.NoError(t, err)
	assert.True(t, mat.Equal(raw, stale[0].Data))

	consumers := p.Consumers("b")
	require.Len(t, consumers, 1)
	for _, c := range consumers {
		require.NoError(t, c.Refresh())
	}
	assert.Contains(t, buf.String(), "evicted cached view")

	fresh, err := p.SpaceTensors(ModelRef, aligner.PlainSpace("a"), true, false)
	require.NoError(t, err)
	// columns 0 and 1 of w exchanged
	assert.True(t, mat.Equal(mat.NewDense(2, 3, []float64{2, 1, 3, 5, 4, 6}), fresh[0].Data))

	// the target never sees transforms
	target, err := p.SpaceTensors(TargetRef, aligner.PlainSpace("a"), true, true)
	require.NoError(t, err)
	assert.True(t, mat.Equal(raw, target[0].Data))
}

func TestApplyOutput(t *testing.T) {
	p, _ := newSmallPermuter(t)
	swapA := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	require.NoError(t, p.SetTransform("a", swapA, nil))

	ts, err := p.SpaceTensors(ModelRef, aligner.PlainSpace("a"), false, true)
	require.NoError(t, err)
	assert.True(t, mat.Equal(mat.NewDense(2, 3, []float64{4, 5, 6, 1, 2, 3}), ts[0].Data))
}

func TestSetTransformInverse(t *testing.T) {
	p, buf := newSmallPermuter(t)

	scale := mat.NewDense(2, 2, []float64{2, 0, 0, 4})
	require.NoError(t, p.SetTransform("a", scale, nil))
	_, inv, ok := p.Transform("a")
	require.True(t, ok)
	assert.True(t, mat.EqualApprox(mat.NewDense(2, 2, []float64{0.5, 0, 0, 0.25}), inv, 1e-12))

	singular := mat.NewDense(2, 2, []float64{1, 1, 0, 0})
	require.NoError(t, p.SetTransform("a", singular, nil))
	_, inv, _ = p.Transform("a")
	assert.True(t, mat.Equal(singular.T(), inv))
	assert.Contains(t, buf.String(), "singular")

	given := mat.NewDense(2, 2, []float64{9, 9, 9, 9})
	require.NoError(t, p.SetTransform("a", scale, given))
	_, inv, _ = p.Transform("a")
	assert.True(t, mat.Equal(given, inv))

	err := p.SetTransform("a", mat.NewDense(3, 3, nil), nil)
	require.ErrorIs(t, err, aligner.ErrDimensionMismatch)
	err = p.SetTransform("nope", scale, nil)
	require.ErrorIs(t, err, topology.ErrUnknownSpace)
}

func TestNewRequiresWeightsInBothModels(t *testing.T) {
	tensors := smallTensors()
	model := writeCheckpoint(t, t.TempDir(), tinyConfig, tensors, checkpoint.DTypeF32)
	delete(tensors, "v")
	target := writeCheckpoint(t, t.TempDir(), tinyConfig, tensors, checkpoint.DTypeF32)

	_, err := New(smallTopology(t), model, target)
	require.ErrorIs(t, err, checkpoint.ErrTensorNotFound)

	_, err = New(smallTopology(t), model, model, WithOutputDType("F64"))
	require.ErrorIs(t, err, checkpoint.ErrUnsupportedDType)
}

func readMetadata(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint64(data[:8])
	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data[8:8+n], &header))
	var meta map[string]string
	require.NoError(t, json.Unmarshal(header["__metadata__"], &meta))
	return meta
}

func TestWriteAlignedModel(t *testing.T) {
	p, buf := newSmallPermuter(t, WithRunID("run-1"))
	swapA := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	cycleB := mat.NewDense(3, 3, []float64{0, 0, 1, 1, 0, 0, 0, 1, 0})
	require.NoError(t, p.SetTransform("a", swapA, nil))
	require.NoError(t, p.SetTransform("b", cycleB, nil))

	out := filepath.Join(t.TempDir(), "aligned")
	require.NoError(t, p.WriteAlignedModel(out))
	assert.Contains(t, buf.String(), "wrote aligned model")

	aligned, err := checkpoint.Open(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "extra", "v", "w"}, aligned.Names())

	config, err := os.ReadFile(filepath.Join(out, "config.json"))
	require.NoError(t, err)
	assert.JSONEq(t, tinyConfig, string(config))

	// w' = Pa · w · Pbᵀ
	var want mat.Dense
	want.Mul(swapA, mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}))
	want.Mul(&want, cycleB.T())
	w, err := aligned.Tensor("w")
	require.NoError(t, err)
	wd, err := w.Dense()
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(&want, wd, 1e-6))

	v, err := aligned.Tensor("v")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 7, 8}, v.Data)

	e, err := aligned.Tensor("e")
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 1, -2, 2, -3, 3, -4, 4}, e.Data)

	extra, err := aligned.Tensor("extra")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, extra.Data)

	meta := readMetadata(t, filepath.Join(out, "model.safetensors"))
	assert.Equal(t, "pt", meta["format"])
	assert.Equal(t, "run-1", meta["align_run_id"])
}

func TestWriteAlignedModelOutputDType(t *testing.T) {
	p, _ := newSmallPermuter(t, WithOutputDType(checkpoint.DTypeBF16))
	assert.NotEmpty(t, p.RunID())

	out := filepath.Join(t.TempDir(), "aligned")
	require.NoError(t, p.WriteAlignedModel(out))

	aligned, err := checkpoint.Open(out)
	require.NoError(t, err)
	for _, name := range aligned.Names() {
		info, ok := aligned.Info(name)
		require.True(t, ok)
		assert.Equal(t, checkpoint.DTypeBF16, info.Dtype, name)
	}
	// untransformed values survive the narrowing exactly
	w, err := aligned.Tensor("w")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w.Data)
}

// llama builds a random single-layer llama checkpoint: hidden 8, two heads of
// width 4, MLP width 12 and a vocabulary large enough to dominate the
// residual matching.
const llamaJSON = `{
  "model_type": "llama",
  "hidden_size": 8,
  "num_hidden_layers": 1,
  "num_attention_heads": 2,
  "num_key_value_heads": 2,
  "intermediate_size": 12,
  "vocab_size": 64,
  "rope_theta": 10000.0,
  "tie_word_embeddings": false
}`

func llamaTensors(rng *rand.Rand) map[string]*checkpoint.Tensor {
	shapes := map[string][]int{
		"model.embed_tokens.weight":                      {64, 8},
		"model.norm.weight":                              {8},
		"lm_head.weight":                                 {64, 8},
		"model.layers.0.input_layernorm.weight":          {8},
		"model.layers.0.post_attention_layernorm.weight": {8},
		"model.layers.0.self_attn.q_proj.weight":         {8, 8},
		"model.layers.0.self_attn.k_proj.weight":         {8, 8},
		"model.layers.0.self_attn.v_proj.weight":         {8, 8},
		"model.layers.0.self_attn.o_proj.weight":         {8, 8},
		"model.layers.0.mlp.gate_proj.weight":            {12, 8},
		"model.layers.0.mlp.up_proj.weight":              {12, 8},
		"model.layers.0.mlp.down_proj.weight":            {8, 12},
		"model.layers.0.self_attn.rotary_emb.inv_freq":   {2},
	}
	out := make(map[string]*checkpoint.Tensor, len(shapes))
	for name, shape := range shapes {
		t := checkpoint.NewTensor(shape...)
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64())
		}
		out[name] = t
	}
	return out
}

func randomPermutation(rng *rand.Rand, n int) *mat.Dense {
	p := mat.NewDense(n, n, nil)
	for i, j := range rng.Perm(n) {
		p.Set(i, j, 1)
	}
	return p
}

// Scramble a model with known transforms on every space and use the result as
// the target: aligning the unscrambled model must reproduce it.
func TestAlignRecoversScrambledModel(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	model := writeCheckpoint(t, t.TempDir(), llamaJSON, llamaTensors(rng), checkpoint.DTypeF32)
	topo, err := topology.FromCheckpoint(model)
	require.NoError(t, err)

	logger, _ := quietLogger()
	scrambler, err := New(topo, model, model, WithLogger(logger))
	require.NoError(t, err)

	pHeads := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	theta := mat.NewDense(2, 2, []float64{0.3, -0.2, 0.45, 0.1})
	require.NoError(t, scrambler.SetTransform("residual", randomPermutation(rng, 8), nil))
	require.NoError(t, scrambler.SetTransform("layers.0.mlp", randomPermutation(rng, 12), nil))
	require.NoError(t, scrambler.SetTransform("layers.0.attn_qk",
		aligner.PlaceHeadBlocks(pHeads, aligner.ThetaToMatrix(theta, 4)), nil))
	require.NoError(t, scrambler.SetTransform("layers.0.attn_vo",
		aligner.ExpandHeadPermutation(pHeads, 4), nil))

	targetDir := filepath.Join(t.TempDir(), "target")
	require.NoError(t, scrambler.WriteAlignedModel(targetDir))
	target, err := checkpoint.Open(targetDir)
	require.NoError(t, err)

	p, err := New(topo, model, target, WithLogger(logger))
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "aligned")
	config, err := aligner.NewConfig(ModelRef, TargetRef,
		aligner.WithIterations(5),
		aligner.WithOutputPath(out),
		aligner.WithLogger(logger),
	)
	require.NoError(t, err)
	a, err := aligner.NewAligner(config, p)
	require.NoError(t, err)

	state := aligner.NewState()
	report, err := a.Run(state)
	require.NoError(t, err)
	require.Len(t, report.Iterations, 5)
	assert.Equal(t, 0, report.Iterations[4].Changes)
	assert.Empty(t, report.Untransformed)

	heads, ok := state.HeadPermutation("layers.0.attn")
	require.True(t, ok)
	assert.True(t, mat.Equal(pHeads, heads))

	aligned, err := checkpoint.Open(out)
	require.NoError(t, err)
	for _, name := range target.Names() {
		want, err := target.Tensor(name)
		require.NoError(t, err)
		got, err := aligned.Tensor(name)
		require.NoError(t, err)
		require.Equal(t, want.Shape, got.Shape, name)
		for i := range want.Data {
			require.InDelta(t, want.Data[i], got.Data[i], 1e-4, "%s[%d]", name, i)
		}
	}
}

func TestCacheKeyDistinguishesViews(t *testing.T) {
	keys := map[uint64]string{}
	for _, model := range []aligner.ModelRef{ModelRef, TargetRef} {
		for _, axis := range []int{rawAxis, 0, 1} {
			for _, applied := range []bool{false, true} {
				k := cacheKey(model, "w", axis, applied)
				label := fmt.Sprintf("%s/%d/%v", model, axis, applied)
				_, dup := keys[k]
				require.False(t, dup, label)
				keys[k] = label
			}
		}
	}
	assert.NotEqual(t, cacheKey(ModelRef, "ab", 0, false), cacheKey(ModelRef, "a", 0, false))
}
