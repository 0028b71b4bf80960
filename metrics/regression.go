package metrics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RegressionMetrics compares a predicted map against a reference map.
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared against the reference mean
	NMAE float64 // MAE divided by the reference range
}

// CalculateRegressionMetrics computes the metrics of predictions against
// reference. Both slices must have the same, non-zero length.
func CalculateRegressionMetrics(predictions, reference []float64) (RegressionMetrics, error) {
	if len(predictions) != len(reference) || len(reference) == 0 {
		return RegressionMetrics{}, errors.Errorf("cannot compare %d predictions with %d reference values",
			len(predictions), len(reference))
	}
	n := float64(len(reference))

	diff := make([]float64, len(reference))
	floats.SubTo(diff, predictions, reference)
	mae := floats.Norm(diff, 1) / n
	mse := floats.Dot(diff, diff) / n

	r2 := 0.0
	if v := stat.Variance(reference, nil); len(reference) > 1 && v > 0 {
		// Variance is the unbiased estimate; rescale to the total sum of squares.
		r2 = 1 - (mse*n)/(v*(n-1))
	}

	nmae := 0.0
	if lo, hi := floats.Min(reference), floats.Max(reference); hi > lo {
		nmae = mae / (hi - lo)
	}

	return RegressionMetrics{
		MAE:  mae,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
		NMAE: nmae,
	}, nil
}

// Log emits every metric as "<prefix>_<metric>".
func (m RegressionMetrics) Log(sink Sink, prefix string, step int) error {
	for _, kv := range []struct {
		name  string
		value float64
	}{
		{"mae", m.MAE},
		{"mse", m.MSE},
		{"rmse", m.RMSE},
		{"r2", m.R2},
		{"nmae", m.NMAE},
	} {
		if err := sink.LogScalar(prefix+"_"+kv.name, step, kv.value); err != nil {
			return err
		}
	}
	return nil
}
