package permuter

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"model-align-go/aligner"
	"model-align-go/topology"
)

// rawAxis marks cache entries holding a decoded tensor in stored layout.
const rawAxis = -1

// cacheKey hashes a tensor view: which model, which weight, which axis is
// turned into rows, and whether the other axes' transforms are applied.
func cacheKey(model aligner.ModelRef, weight string, axis int, applied bool) uint64 {
	h := xxhash.New()
	h.WriteString(string(model))
	h.Write([]byte{0})
	h.WriteString(weight)

	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf, uint32(int32(axis)))
	if applied {
		buf[4] = 1
	}
	h.Write(buf)
	return h.Sum64()
}

// stored returns a weight decoded into its stored layout. Vectors become a
// single column.
func (p *Permuter) stored(model aligner.ModelRef, weight string) (*mat.Dense, error) {
	key := cacheKey(model, weight, rawAxis, false)

	p.mu.Lock()
	cached, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	t, err := p.checkpoints[model].Tensor(weight)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", model, err)
	}
	d, err := t.Dense()
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", model, weight, err)
	}

	p.mu.Lock()
	p.cache[key] = d
	p.mu.Unlock()
	return d, nil
}

// oriented returns the view of a weight with m's axis as rows. With applied
// set, the transforms of the weight's other axes are applied first.
func (p *Permuter) oriented(model aligner.ModelRef, m topology.Member, applied bool) (*mat.Dense, error) {
	key := cacheKey(model, m.Weight, m.Axis, applied)

	p.mu.Lock()
	cached, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	w, ok := p.topo.Weight(m.Weight)
	if !ok {
		return nil, fmt.Errorf("%w: weight %s", topology.ErrInvalidTopology, m.Weight)
	}
	data, err := p.stored(model, m.Weight)
	if err != nil {
		return nil, err
	}

	view := data
	if len(w.Spaces) == 2 {
		if applied {
			view = p.applyAxis(view, w.Spaces[1-m.Axis], 1-m.Axis)
		}
		if m.Axis == 1 {
			view = mat.DenseCopyOf(view.T())
		}
	}

	p.mu.Lock()
	p.cache[key] = view
	p.mu.Unlock()
	return view, nil
}

// applyAxis applies the transform of space to one axis of a stored matrix:
// the forward transform on rows, the inverse on columns.
func (p *Permuter) applyAxis(w *mat.Dense, space string, axis int) *mat.Dense {
	if space == "" {
		return w
	}
	var out mat.Dense
	switch axis {
	case 0:
		f, ok := p.forward[space]
		if !ok {
			return w
		}
		out.Mul(f, w)
	default:
		inv, ok := p.inverse[space]
		if !ok {
			return w
		}
		out.Mul(w, inv)
	}
	return &out
}

// evict drops a cached view.
func (p *Permuter) evict(key uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cache[key]
	delete(p.cache, key)
	return ok
}

// cacheConsumer refreshes one cached input view of a weight.
type cacheConsumer struct {
	p      *Permuter
	weight string
	axis   int
	key    uint64
}

func (c *cacheConsumer) Refresh() error {
	if c.p.evict(c.key) {
		c.p.logger.Debug("evicted cached view", "weight", c.weight, "axis", c.axis)
	}
	return nil
}
