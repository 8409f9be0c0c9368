package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
)

// Save writes a single-file checkpoint directory: config.json (when config is
// non-empty) and model.safetensors.
func Save(dir string, config []byte, records []Record, metadata map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if len(config) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "config.json"), config, 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}
	return WriteSafetensors(filepath.Join(dir, "model.safetensors"), records, metadata)
}

// TensorRecord encodes t for writing under name.
func TensorRecord(name string, t *Tensor, dtype DType) (Record, error) {
	data, err := Encode(t, dtype)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", name, err)
	}
	return Record{Name: name, DType: dtype, Shape: append([]int(nil), t.Shape...), Data: data}, nil
}
