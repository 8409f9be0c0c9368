package topology

import (
	"fmt"
	"strconv"
	"strings"

	"model-align-go/checkpoint"
)

// ResidualSpace is the hidden-state axis shared by every layer.
const ResidualSpace = "residual"

// WeightMapping defines how safetensors keys map onto model components
type WeightMapping struct {
	// Embedding keys
	TokenEmbeddingKey string // e.g., "model.embed_tokens.weight"
	LMHeadKey         string // e.g., "lm_head.weight" (absent when tied)

	// Layer key templates (use {layer} as placeholder)
	LayerPrefix     string // e.g., "model.layers.{layer}"
	AttentionQKey   string
	AttentionKKey   string
	AttentionVKey   string
	AttentionOutKey string
	FFNGateKey      string
	FFNUpKey        string
	FFNDownKey      string
	InputNormKey    string
	PostAttnNormKey string

	// Final norm key
	FinalNormKey string
}

// GetLlamaMapping returns weight mapping for Llama, also used by Mistral and Qwen2
func GetLlamaMapping() *WeightMapping {
	return &WeightMapping{
		TokenEmbeddingKey: "model.embed_tokens.weight",
		LMHeadKey:         "lm_head.weight",
		LayerPrefix:       "model.layers.{layer}",
		AttentionQKey:     ".self_attn.q_proj.weight",
		AttentionKKey:     ".self_attn.k_proj.weight",
		AttentionVKey:     ".self_attn.v_proj.weight",
		AttentionOutKey:   ".self_attn.o_proj.weight",
		FFNGateKey:        ".mlp.gate_proj.weight",
		FFNUpKey:          ".mlp.up_proj.weight",
		FFNDownKey:        ".mlp.down_proj.weight",
		InputNormKey:      ".input_layernorm.weight",
		PostAttnNormKey:   ".post_attention_layernorm.weight",
		FinalNormKey:      "model.norm.weight",
	}
}

// MappingFor returns the weight mapping of an architecture.
func MappingFor(arch checkpoint.ModelArchitecture) (*WeightMapping, error) {
	switch arch {
	case checkpoint.ArchLlama, checkpoint.ArchMistral, checkpoint.ArchQwen2:
		return GetLlamaMapping(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, arch)
	}
}

func (m *WeightMapping) layerKey(layer int, key string) string {
	return strings.ReplaceAll(m.LayerPrefix, "{layer}", strconv.Itoa(layer)) + key
}

// biasKey turns "x.weight" into "x.bias".
func biasKey(weightKey string) string {
	return strings.TrimSuffix(weightKey, ".weight") + ".bias"
}

// Space names of one layer.
func layerSpace(layer int, suffix string) string {
	return fmt.Sprintf("layers.%d.%s", layer, suffix)
}

// FromCheckpoint builds the topology of a checkpoint from its config and
// tensor headers.
func FromCheckpoint(c *checkpoint.Checkpoint) (*Topology, error) {
	shapes := make(map[string][]int)
	for _, name := range c.Names() {
		info, _ := c.Info(name)
		shapes[name] = info.Shape
	}
	return Build(c.Config, shapes)
}

// Build lays out the spaces of a llama-family decoder:
//
//   - residual: the hidden axis of embeddings, norms, the inputs of every
//     projection, the outputs of o_proj and down_proj, and lm_head
//   - layers.N.attn_qk: q and k rows, split into heads of head group
//     layers.N.attn and acted on by rotary embeddings
//   - layers.N.attn_vo: v rows and o_proj columns, same head group
//   - layers.N.mlp: gate and up rows, down_proj columns
//
// Biases follow their projection's output axis. Attention spaces exist only
// when query and key/value head counts agree; grouped-query layers keep their
// attention axes untouched. Tensors the mapping does not name are left out
// and pass through an export unchanged.
func Build(config *checkpoint.ModelConfig, shapes map[string][]int) (*Topology, error) {
	m, err := MappingFor(config.Architecture)
	if err != nil {
		return nil, err
	}
	if config.Hidden <= 0 || config.NumLayers <= 0 {
		return nil, fmt.Errorf("%w: hidden size %d, %d layers", ErrInvalidTopology, config.Hidden, config.NumLayers)
	}

	b := &builder{shapes: shapes}
	b.space(Space{Name: ResidualSpace, Dim: config.Hidden})

	b.weight(m.TokenEmbeddingKey, true, "", ResidualSpace)

	attention := config.NumHeads > 0 && config.NumKVHeads == config.NumHeads && config.HeadDim > 0
	for layer := 0; layer < config.NumLayers; layer++ {
		qk, vo, mlp := "", "", layerSpace(layer, "mlp")
		if attention {
			group := layerSpace(layer, "attn")
			qk, vo = layerSpace(layer, "attn_qk"), layerSpace(layer, "attn_vo")
			dim := config.NumHeads * config.HeadDim
			b.space(Space{Name: qk, Dim: dim, HeadGroup: group, RoPE: config.PositionType == checkpoint.PositionRoPE})
			b.space(Space{Name: vo, Dim: dim, HeadGroup: group})
		}

		ffn := config.FFNDim
		if shape, ok := shapes[m.layerKey(layer, m.FFNGateKey)]; ffn == 0 && ok && len(shape) == 2 {
			ffn = shape[0]
		}
		b.space(Space{Name: mlp, Dim: ffn})

		b.weight(m.layerKey(layer, m.InputNormKey), true, ResidualSpace)
		for _, key := range []string{m.AttentionQKey, m.AttentionKKey} {
			b.weight(m.layerKey(layer, key), true, qk, ResidualSpace)
			b.weight(biasKey(m.layerKey(layer, key)), false, qk)
		}
		b.weight(m.layerKey(layer, m.AttentionVKey), true, vo, ResidualSpace)
		b.weight(biasKey(m.layerKey(layer, m.AttentionVKey)), false, vo)
		b.weight(m.layerKey(layer, m.AttentionOutKey), true, ResidualSpace, vo)
		b.weight(biasKey(m.layerKey(layer, m.AttentionOutKey)), false, ResidualSpace)

		b.weight(m.layerKey(layer, m.PostAttnNormKey), true, ResidualSpace)
		b.weight(m.layerKey(layer, m.FFNGateKey), true, mlp, ResidualSpace)
		b.weight(m.layerKey(layer, m.FFNUpKey), true, mlp, ResidualSpace)
		b.weight(m.layerKey(layer, m.FFNDownKey), true, ResidualSpace, mlp)
	}

	b.weight(m.FinalNormKey, true, ResidualSpace)
	b.weight(m.LMHeadKey, !config.TiedEmbedding, "", ResidualSpace)
	b.rows(m.TokenEmbeddingKey, config.VocabSize)
	b.rows(m.LMHeadKey, config.VocabSize)

	if b.err != nil {
		return nil, b.err
	}
	return New(b.spaces, b.weights, config.HeadDim)
}

type builder struct {
	shapes  map[string][]int
	spaces  []Space
	weights []Weight
	err     error
}

func (b *builder) space(s Space) {
	b.spaces = append(b.spaces, s)
}

// weight records name with one space per axis. Weights whose axes are all
// unpermuted are skipped.
func (b *builder) weight(name string, required bool, axes ...string) {
	if b.err != nil {
		return
	}
	shape, ok := b.shapes[name]
	if !ok {
		if required {
			b.err = fmt.Errorf("%w: %s", ErrMissingWeight, name)
		}
		return
	}

	permuted := false
	for _, s := range axes {
		permuted = permuted || s != ""
	}
	if !permuted {
		return
	}
	if len(shape) != len(axes) {
		b.err = fmt.Errorf("%w: weight %s has shape %v, expected rank %d", ErrInvalidTopology, name, shape, len(axes))
		return
	}
	b.weights = append(b.weights, Weight{Name: name, Shape: shape, Spaces: axes})
}

// rows checks the leading dimension of name against want when both are known.
func (b *builder) rows(name string, want int) {
	shape, ok := b.shapes[name]
	if b.err != nil || !ok || want <= 0 || len(shape) == 0 {
		return
	}
	if shape[0] != want {
		b.err = fmt.Errorf("%w: weight %s has %d rows, vocabulary size is %d", ErrInvalidTopology, name, shape[0], want)
	}
}
