package gan

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/tensor"
)

// PredictionRecord holds the depth model outputs for one source.
type PredictionRecord struct {
	Color       *tensor.Tensor
	EncoderOuts []*tensor.Tensor // finest first
	Depth       *tensor.Tensor
	Normals     *tensor.Tensor
	// Phong is rendered from the predicted normals, CalculatedPhong from
	// normals re-derived from the predicted depth. Both are nil when the
	// model does not predict normals.
	Phong           *tensor.Tensor
	CalculatedPhong *tensor.Tensor
}

// Predictor runs the shared depth decoder behind either the adaptable
// generator encoder or the frozen baseline encoder.
type Predictor struct {
	generator Encoder
	baseline  Encoder
	decoder   Decoder
	renderer  Renderer
	minDepth  float64
	render    bool
}

// Predict runs color through the generator (adapted) or the baseline
// encoder. Normals are zeroed where depth does not exceed the minimum
// depth. Gradients are recorded unless the caller is inside tensor.NoGrad.
func (p *Predictor) Predict(color *tensor.Tensor, adapted bool) (*PredictionRecord, error) {
	enc := p.baseline
	if adapted {
		enc = p.generator
	}
	feats, err := enc.Encode(color)
	if err != nil {
		return nil, errors.Wrap(err, "encoder")
	}
	depth, normals, err := p.decoder.Decode(feats)
	if err != nil {
		return nil, errors.Wrap(err, "decoder")
	}
	mask := tensor.ZerosLike(depth)
	for i, d := range depth.Data {
		if d > p.minDepth {
			mask.Data[i] = 1
		}
	}
	if normals, err = tensor.Mul(normals, mask); err != nil {
		return nil, errors.Wrap(err, "normals mask")
	}

	rec := &PredictionRecord{Color: color, EncoderOuts: feats, Depth: depth, Normals: normals}
	if !p.render {
		return rec, nil
	}
	if rec.Phong, err = p.renderer.Render(depth, normals); err != nil {
		return nil, errors.Wrap(err, "phong render")
	}
	derived, err := p.renderer.NormalsFromDepth(depth)
	if err != nil {
		return nil, errors.Wrap(err, "normals from depth")
	}
	if rec.CalculatedPhong, err = p.renderer.Render(depth, derived); err != nil {
		return nil, errors.Wrap(err, "phong render from depth")
	}
	return rec, nil
}

// PredictionCache computes the records of every source once per training
// step without recording gradients.
type PredictionCache struct {
	predictor   *Predictor
	generatedID int

	step    int
	records map[int]*PredictionRecord
}

func NewPredictionCache(p *Predictor, generatedID int) *PredictionCache {
	return &PredictionCache{predictor: p, generatedID: generatedID}
}

// Compute returns the records of every source in batch. A second call for
// the same step returns the records of the first call.
func (c *PredictionCache) Compute(step int, batch Batch) (map[int]*PredictionRecord, error) {
	if c.records != nil && c.step == step {
		return c.records, nil
	}
	ids := make([]int, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	records := make(map[int]*PredictionRecord, len(ids))
	err := tensor.NoGrad(func() error {
		for _, id := range ids {
			color, err := batch.color(id)
			if err != nil {
				return err
			}
			rec, err := c.predictor.Predict(color, id == c.generatedID)
			if err != nil {
				return errors.Wrapf(err, "source %d", id)
			}
			records[id] = detachRecord(rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.step, c.records = step, records
	return records, nil
}

// Discard drops the cached records.
func (c *PredictionCache) Discard() {
	c.records = nil
}

func detachRecord(r *PredictionRecord) *PredictionRecord {
	d := func(t *tensor.Tensor) *tensor.Tensor {
		if t == nil {
			return nil
		}
		return t.Detach()
	}
	out := &PredictionRecord{
		Color:           d(r.Color),
		Depth:           d(r.Depth),
		Normals:         d(r.Normals),
		Phong:           d(r.Phong),
		CalculatedPhong: d(r.CalculatedPhong),
	}
	for _, f := range r.EncoderOuts {
		out.EncoderOuts = append(out.EncoderOuts, d(f))
	}
	return out
}

// references concatenates pick(record) over every reference source along
// the batch dimension.
func references(records map[int]*PredictionRecord, generatedID int, pick func(*PredictionRecord) *tensor.Tensor) (*tensor.Tensor, error) {
	if generatedID <= 0 {
		return nil, ErrNoReferenceSources
	}
	parts := make([]*tensor.Tensor, 0, generatedID)
	for id := 0; id < generatedID; id++ {
		rec, ok := records[id]
		if !ok {
			return nil, errors.Wrapf(ErrMissingSource, "no predictions for reference source %d", id)
		}
		parts = append(parts, pick(rec))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return tensor.ConcatBatch(parts...)
}
