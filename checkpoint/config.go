package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
)

// ModelArchitecture defines the neural network architecture
type ModelArchitecture string

const (
	ArchLlama   ModelArchitecture = "llama"   // Llama: GQA, RoPE, RMSNorm, SwiGLU
	ArchMistral ModelArchitecture = "mistral" // Mistral: GQA, RoPE, RMSNorm, SwiGLU, sliding window
	ArchQwen2   ModelArchitecture = "qwen2"   // Qwen2: Llama layout with q/k/v biases
)

// PositionType defines position encoding
type PositionType string

const (
	PositionRoPE PositionType = "rope" // Rotary (Llama, Mistral, Qwen2)
)

// ModelConfig holds the parts of a HuggingFace config that decide how
// weights are grouped into permutation spaces.
type ModelConfig struct {
	Architecture ModelArchitecture

	VocabSize  int
	Hidden     int
	NumLayers  int
	NumHeads   int // Number of query heads
	NumKVHeads int // Number of KV heads (1 for MQA, same as NumHeads for MHA)
	HeadDim    int // Usually hidden / num_heads
	FFNDim     int

	PositionType  PositionType
	TiedEmbedding bool

	raw []byte
}

// Raw returns the config.json bytes the config was parsed from.
func (c *ModelConfig) Raw() []byte {
	return c.raw
}

// LoadModelConfig loads model config from JSON file
func LoadModelConfig(configPath string) (*ModelConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseModelConfig(data)
}

// ParseModelConfig parses HuggingFace config.json contents.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config := &ModelConfig{raw: append([]byte(nil), data...)}
	modelType, _ := raw["model_type"].(string)
	switch modelType {
	case "llama":
		config.Architecture = ArchLlama
		config.PositionType = PositionRoPE
	case "mistral":
		config.Architecture = ArchMistral
		config.PositionType = PositionRoPE
	case "qwen2":
		config.Architecture = ArchQwen2
		config.PositionType = PositionRoPE
	default:
		config.Architecture = ModelArchitecture(modelType)
	}

	if v, ok := raw["vocab_size"].(float64); ok {
		config.VocabSize = int(v)
	}
	if v, ok := raw["hidden_size"].(float64); ok {
		config.Hidden = int(v)
	}
	if v, ok := raw["num_hidden_layers"].(float64); ok {
		config.NumLayers = int(v)
	}
	if v, ok := raw["num_attention_heads"].(float64); ok {
		config.NumHeads = int(v)
	}
	if v, ok := raw["num_key_value_heads"].(float64); ok {
		config.NumKVHeads = int(v)
	}
	if config.NumKVHeads == 0 {
		config.NumKVHeads = config.NumHeads
	}
	if v, ok := raw["head_dim"].(float64); ok {
		config.HeadDim = int(v)
	}
	// If HeadDim not specified, calculate from hidden / num_heads
	if config.HeadDim == 0 && config.Hidden > 0 && config.NumHeads > 0 {
		config.HeadDim = config.Hidden / config.NumHeads
	}
	if v, ok := raw["intermediate_size"].(float64); ok {
		config.FFNDim = int(v)
	}
	if v, ok := raw["tie_word_embeddings"].(bool); ok {
		config.TiedEmbedding = v
	}

	return config, nil
}
