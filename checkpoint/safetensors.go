package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const metadataKey = "__metadata__"

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype  DType    `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

// ShardedModelIndex represents the index file for sharded models
type ShardedModelIndex struct {
	Metadata  map[string]interface{} `json:"metadata"`
	WeightMap map[string]string      `json:"weight_map"`
}

type entry struct {
	info TensorInfo
	data []byte // data section of the shard holding the tensor
}

// Checkpoint is a HuggingFace-style model directory: config.json plus one or
// more safetensors files.
type Checkpoint struct {
	Dir    string
	Config *ModelConfig

	entries map[string]entry
	names   []string
}

// Open loads the config and every safetensors shard in dir. Sharded
// checkpoints are discovered through model.safetensors.index.json, otherwise
// all *.safetensors files in the directory are read.
func Open(dir string) (*Checkpoint, error) {
	config, err := LoadModelConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}

	files, err := shardFiles(dir)
	if err != nil {
		return nil, err
	}

	c := &Checkpoint{
		Dir:     dir,
		Config:  config,
		entries: make(map[string]entry),
	}
	for _, path := range files {
		if err := c.loadShard(path); err != nil {
			return nil, err
		}
	}

	for name := range c.entries {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c, nil
}

func shardFiles(dir string) ([]string, error) {
	indexPath := filepath.Join(dir, "model.safetensors.index.json")
	if indexData, err := os.ReadFile(indexPath); err == nil {
		var index ShardedModelIndex
		if err := json.Unmarshal(indexData, &index); err != nil {
			return nil, fmt.Errorf("failed to parse index file: %w", err)
		}
		seen := make(map[string]bool)
		var files []string
		for _, shard := range index.WeightMap {
			if !seen[shard] {
				seen[shard] = true
				files = append(files, filepath.Join(dir, shard))
			}
		}
		sort.Strings(files)
		return files, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoWeights, dir)
	}
	sort.Strings(files)
	return files, nil
}

func (c *Checkpoint) loadShard(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read shard %s: %w", filepath.Base(path), err)
	}

	header, tensorData, err := parseHeader(data)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	for name, info := range header {
		end := info.Offset[1]
		if info.Offset[0] < 0 || end < info.Offset[0] || end > int64(len(tensorData)) {
			return fmt.Errorf("%w: %s offsets %v out of range", ErrMalformedHeader, name, info.Offset)
		}
		c.entries[name] = entry{info: info, data: tensorData}
	}
	return nil
}

func parseHeader(data []byte) (map[string]TensorInfo, []byte, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("%w: file too short", ErrMalformedHeader)
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("%w: header size %d", ErrMalformedHeader, headerSize)
	}
	headerBytes := data[8 : 8+headerSize]
	tensorData := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	header := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedHeader, name, err)
		}
		header[name] = info
	}
	return header, tensorData, nil
}

// Names returns every tensor name in lexical order.
func (c *Checkpoint) Names() []string {
	return append([]string(nil), c.names...)
}

// Info returns the header entry for name.
func (c *Checkpoint) Info(name string) (TensorInfo, bool) {
	e, ok := c.entries[name]
	return e.info, ok
}

// Raw returns the undecoded bytes of a tensor.
func (c *Checkpoint) Raw(name string) ([]byte, TensorInfo, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return e.data[e.info.Offset[0]:e.info.Offset[1]], e.info, nil
}

// Tensor decodes a tensor into float32.
func (c *Checkpoint) Tensor(name string) (*Tensor, error) {
	raw, info, err := c.Raw(name)
	if err != nil {
		return nil, err
	}

	numElements := 1
	for _, dim := range info.Shape {
		numElements *= dim
	}
	values, err := decode(raw, info.Dtype, numElements)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Tensor{Data: values, Shape: append([]int(nil), info.Shape...)}, nil
}

// Record is one tensor to be written by WriteSafetensors.
type Record struct {
	Name  string
	DType DType
	Shape []int
	Data  []byte
}

// WriteSafetensors writes records in the given order to a single file.
func WriteSafetensors(path string, records []Record, metadata map[string]string) error {
	header := make(map[string]interface{}, len(records)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, r := range records {
		shape := r.Shape
		if shape == nil {
			shape = []int{}
		}
		end := offset + int64(len(r.Data))
		header[r.Name] = TensorInfo{Dtype: r.DType, Shape: shape, Offset: [2]int64{offset, end}}
		offset = end
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// the data section starts on an 8-byte boundary
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(headerBytes)))
	if _, err := f.Write(size[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := f.Write(r.Data); err != nil {
			return fmt.Errorf("failed to write %s: %w", r.Name, err)
		}
	}
	return f.Close()
}
