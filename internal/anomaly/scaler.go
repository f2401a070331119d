package anomaly

import "math"

// Scaler standardizes each dimension to zero mean and unit variance using
// statistics fitted on a training batch. Dimensions with zero variance are
// centered but not scaled.
type Scaler struct {
	Mean  []float64 `cbor:"1,keyasint"`
	Scale []float64 `cbor:"2,keyasint"`
}

// FitScaler computes population mean and standard deviation per dimension.
func FitScaler(samples []FeatureVector) Scaler {
	if len(samples) == 0 {
		return Scaler{}
	}
	dim := len(samples[0])
	mean := make([]float64, dim)
	scale := make([]float64, dim)

	n := float64(len(samples))
	for _, s := range samples {
		for j, x := range s {
			mean[j] += x
		}
	}
	for j := range mean {
		mean[j] /= n
	}
	for _, s := range samples {
		for j, x := range s {
			d := x - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}
	return Scaler{Mean: mean, Scale: scale}
}

// Transform returns a scaled copy of v.
func (s Scaler) Transform(v FeatureVector) FeatureVector {
	out := make(FeatureVector, len(v))
	for j, x := range v {
		if j >= len(s.Mean) {
			out[j] = x
			continue
		}
		out[j] = (x - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// TransformAll scales a batch.
func (s Scaler) TransformAll(samples []FeatureVector) []FeatureVector {
	out := make([]FeatureVector, len(samples))
	for i, v := range samples {
		out[i] = s.Transform(v)
	}
	return out
}
