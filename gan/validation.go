package gan

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/hailmary/metrics"
	"github.com/tsawler/hailmary/tensor"
)

// ValidationResult summarises one validation batch.
type ValidationResult struct {
	// AdaptedVsBaseline compares the generator's depth on the generated
	// source against the frozen baseline's.
	AdaptedVsBaseline metrics.RegressionMetrics
	// ReferenceDepth compares the generator's depth against ground truth,
	// keyed by reference source id. Sources without depth are absent.
	ReferenceDepth map[int]metrics.RegressionMetrics
	// Texture reconstruction error on the reference sources and on the
	// generated source's real color.
	TextureReference float64
	TextureGenerated float64
}

// ValidationStep evaluates batch without recording gradients or updating
// statistics, logs the result at step and returns it. Training modes are
// reset by the next training call.
func (m *Model) ValidationStep(batch Batch, step int) (*ValidationResult, error) {
	if err := batch.Validate(m.generatedID); err != nil {
		return nil, err
	}
	for _, n := range m.networks() {
		n.net.Eval()
	}

	res := &ValidationResult{ReferenceDepth: make(map[int]metrics.RegressionMetrics)}
	err := tensor.NoGrad(func() error {
		color, err := batch.color(m.generatedID)
		if err != nil {
			return err
		}
		adapted, err := m.predictor.Predict(color, true)
		if err != nil {
			return errors.WithMessage(err, "adapted prediction")
		}
		base, err := m.predictor.Predict(color, false)
		if err != nil {
			return errors.WithMessage(err, "baseline prediction")
		}
		if res.AdaptedVsBaseline, err = metrics.CalculateRegressionMetrics(adapted.Depth.Data, base.Depth.Data); err != nil {
			return err
		}

		extra := map[int][2]*tensor.Tensor{m.generatedID: {adapted.Depth, adapted.Normals}}
		for id := 0; id < m.generatedID; id++ {
			refColor, err := batch.color(id)
			if err != nil {
				return err
			}
			if !batch.hasGeometry(id) {
				rec, err := m.predictor.Predict(refColor, false)
				if err != nil {
					return errors.WithMessagef(err, "reference %d prediction", id)
				}
				extra[id] = [2]*tensor.Tensor{rec.Depth, rec.Normals}
				continue
			}
			rec, err := m.predictor.Predict(refColor, true)
			if err != nil {
				return errors.WithMessagef(err, "reference %d prediction", id)
			}
			truth := batch[id][1]
			if !tensor.ShapesEqual(truth.Shape, rec.Depth.Shape) {
				return errors.Errorf("reference %d depth has shape %v, predictions have %v", id, truth.Shape, rec.Depth.Shape)
			}
			if res.ReferenceDepth[id], err = metrics.CalculateRegressionMetrics(rec.Depth.Data, truth.Data); err != nil {
				return err
			}
		}

		res.TextureReference, res.TextureGenerated, err = m.texture.Validate(batch.augmented(extra))
		return errors.WithMessage(err, "texture validation")
	})
	if err != nil {
		return nil, err
	}
	if err := res.Log(m.sink, step); err != nil {
		return nil, err
	}
	m.log.Info().Int("step", step).
		Float64("adapted_vs_unadapted_mae", res.AdaptedVsBaseline.MAE).
		Float64("texture_reference", res.TextureReference).
		Msg("validation")
	return res, nil
}

// Log emits every value of r to sink.
func (r *ValidationResult) Log(sink metrics.Sink, step int) error {
	if err := r.AdaptedVsBaseline.Log(sink, "val_adapted_vs_unadapted", step); err != nil {
		return err
	}
	for id, m := range r.ReferenceDepth {
		if err := m.Log(sink, fmt.Sprintf("val_reference_depth-%d", id), step); err != nil {
			return err
		}
	}
	if err := sink.LogScalar("val_texture_reconstruction_reference", step, r.TextureReference); err != nil {
		return err
	}
	return sink.LogScalar("val_texture_reconstruction_generated", step, r.TextureGenerated)
}
