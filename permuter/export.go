package permuter

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"model-align-go/checkpoint"
	"model-align-go/topology"
)

// Metadata keys written into exported safetensors headers.
const (
	metaFormat = "format"
	metaRunID  = "align_run_id"
)

// WriteAlignedModel writes the model with every stored transform applied to
// outPath as config.json plus model.safetensors. Tensors outside the topology
// are copied unchanged, converted only when an output dtype is set.
func (p *Permuter) WriteAlignedModel(outPath string) error {
	model := p.checkpoints[ModelRef]

	var records []checkpoint.Record
	transformed := 0
	for _, name := range model.Names() {
		var (
			rec checkpoint.Record
			err error
		)
		if w, ok := p.topo.Weight(name); ok {
			rec, err = p.alignedRecord(w)
			transformed++
		} else {
			rec, err = p.passThrough(name)
		}
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	metadata := map[string]string{metaFormat: "pt"}
	if p.runID != "" {
		metadata[metaRunID] = p.runID
	}
	if err := checkpoint.Save(outPath, model.Config.Raw(), records, metadata); err != nil {
		return err
	}

	p.logger.Info("wrote aligned model",
		"path", outPath, "tensors", len(records), "transformed", transformed, "run_id", p.runID)
	return nil
}

// Aligned returns the stored-layout matrix of a weight with all transforms applied.
func (p *Permuter) Aligned(weight string) (*mat.Dense, error) {
	w, ok := p.topo.Weight(weight)
	if !ok {
		return nil, fmt.Errorf("%w: weight %s", topology.ErrInvalidTopology, weight)
	}
	data, err := p.stored(ModelRef, w.Name)
	if err != nil {
		return nil, err
	}
	out := p.applyAxis(data, w.Spaces[0], 0)
	if len(w.Spaces) == 2 {
		out = p.applyAxis(out, w.Spaces[1], 1)
	}
	return out, nil
}

func (p *Permuter) alignedRecord(w topology.Weight) (checkpoint.Record, error) {
	aligned, err := p.Aligned(w.Name)
	if err != nil {
		return checkpoint.Record{}, err
	}
	t, err := checkpoint.FromDense(aligned, w.Shape)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("%s: %w", w.Name, err)
	}

	info, _ := p.checkpoints[ModelRef].Info(w.Name)
	return checkpoint.TensorRecord(w.Name, t, p.dtypeFor(info.Dtype))
}

func (p *Permuter) passThrough(name string) (checkpoint.Record, error) {
	model := p.checkpoints[ModelRef]
	raw, info, err := model.Raw(name)
	if err != nil {
		return checkpoint.Record{}, err
	}

	// only float tensors are converted; anything else is copied as stored
	dtype := p.dtypeFor(info.Dtype)
	if dtype == info.Dtype || info.Dtype.Size() == 0 {
		return checkpoint.Record{Name: name, DType: info.Dtype, Shape: info.Shape, Data: raw}, nil
	}
	t, err := model.Tensor(name)
	if err != nil {
		return checkpoint.Record{}, err
	}
	return checkpoint.TensorRecord(name, t, dtype)
}

func (p *Permuter) dtypeFor(source checkpoint.DType) checkpoint.DType {
	if p.outDType != "" {
		return p.outDType
	}
	return source
}
