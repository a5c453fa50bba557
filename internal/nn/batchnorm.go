package nn

import (
	"fmt"
	"math"

	"github.com/vk/distillgo/internal/tensor"
)

// BatchNorm2d normalizes each channel of an NCHW input over the batch and
// spatial dimensions. In training mode it normalizes with batch statistics
// and updates running estimates; in evaluation mode it uses the running
// estimates only.
type BatchNorm2d struct {
	NumFeatures int
	Eps         float64
	Momentum    float64

	weight      *Parameter // gamma (C)
	bias        *Parameter // beta (C)
	runningMean *Parameter // buffer, not trainable
	runningVar  *Parameter // buffer, not trainable

	training bool
}

// NewBatchNorm2d creates a batch norm layer for C-channel feature maps.
func NewBatchNorm2d(numFeatures int) *BatchNorm2d {
	return &BatchNorm2d{
		NumFeatures: numFeatures,
		Eps:         1e-5,
		Momentum:    0.1,
		weight:      &Parameter{Name: "weight", Data: tensor.Full(1, numFeatures), RequiresGrad: true},
		bias:        &Parameter{Name: "bias", Data: tensor.New(numFeatures), RequiresGrad: true},
		runningMean: &Parameter{Name: "running_mean", Data: tensor.New(numFeatures)},
		runningVar:  &Parameter{Name: "running_var", Data: tensor.Full(1, numFeatures)},
		training:    true,
	}
}

// SetTraining switches between batch and running statistics.
func (bn *BatchNorm2d) SetTraining(training bool) { bn.training = training }

// Forward normalizes a (N, C, H, W) input per channel.
func (bn *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("nn: batch_norm2d expects a rank-4 NCHW input, got shape %v", x.Shape())
	}
	if x.Dim(1) != bn.NumFeatures {
		return nil, fmt.Errorf("nn: batch_norm2d expects %d channels, got %d", bn.NumFeatures, x.Dim(1))
	}
	n, ch, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := tensor.New(n, ch, h, w)
	count := float64(n * h * w)
	for c := 0; c < ch; c++ {
		mean := bn.runningMean.Data.Data[c]
		variance := bn.runningVar.Data.Data[c]
		if bn.training {
			sum := 0.0
			for b := 0; b < n; b++ {
				for y := 0; y < h; y++ {
					for xx := 0; xx < w; xx++ {
						sum += x.At(b, c, y, xx)
					}
				}
			}
			mean = sum / count
			sq := 0.0
			for b := 0; b < n; b++ {
				for y := 0; y < h; y++ {
					for xx := 0; xx < w; xx++ {
						d := x.At(b, c, y, xx) - mean
						sq += d * d
					}
				}
			}
			variance = sq / count
			bn.runningMean.Data.Data[c] = (1-bn.Momentum)*bn.runningMean.Data.Data[c] + bn.Momentum*mean
			bn.runningVar.Data.Data[c] = (1-bn.Momentum)*bn.runningVar.Data.Data[c] + bn.Momentum*variance
		}
		inv := 1.0 / math.Sqrt(variance+bn.Eps)
		gamma := bn.weight.Data.Data[c]
		beta := bn.bias.Data.Data[c]
		for b := 0; b < n; b++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					out.Set((x.At(b, c, y, xx)-mean)*inv*gamma+beta, b, c, y, xx)
				}
			}
		}
	}
	return out, nil
}

// Parameters returns gamma, beta and the running statistics buffers.
func (bn *BatchNorm2d) Parameters() []*Parameter {
	return []*Parameter{bn.weight, bn.bias, bn.runningMean, bn.runningVar}
}

// BatchNorm1d normalizes each feature of an (N, C) input over the batch.
type BatchNorm1d struct {
	NumFeatures int
	Eps         float64
	Momentum    float64

	weight      *Parameter
	bias        *Parameter
	runningMean *Parameter
	runningVar  *Parameter

	training bool
}

// NewBatchNorm1d creates a batch norm layer for flat C-feature vectors.
func NewBatchNorm1d(numFeatures int) *BatchNorm1d {
	return &BatchNorm1d{
		NumFeatures: numFeatures,
		Eps:         1e-5,
		Momentum:    0.1,
		weight:      &Parameter{Name: "weight", Data: tensor.Full(1, numFeatures), RequiresGrad: true},
		bias:        &Parameter{Name: "bias", Data: tensor.New(numFeatures), RequiresGrad: true},
		runningMean: &Parameter{Name: "running_mean", Data: tensor.New(numFeatures)},
		runningVar:  &Parameter{Name: "running_var", Data: tensor.Full(1, numFeatures)},
		training:    true,
	}
}

// SetTraining switches between batch and running statistics.
func (bn *BatchNorm1d) SetTraining(training bool) { bn.training = training }

// Forward normalizes a (N, C) input per feature.
func (bn *BatchNorm1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 2 {
		return nil, fmt.Errorf("nn: batch_norm1d expects a rank-2 input, got shape %v", x.Shape())
	}
	if x.Dim(1) != bn.NumFeatures {
		return nil, fmt.Errorf("nn: batch_norm1d expects %d features, got %d", bn.NumFeatures, x.Dim(1))
	}
	n := x.Dim(0)
	out := tensor.New(n, bn.NumFeatures)
	for c := 0; c < bn.NumFeatures; c++ {
		mean := bn.runningMean.Data.Data[c]
		variance := bn.runningVar.Data.Data[c]
		if bn.training {
			sum := 0.0
			for b := 0; b < n; b++ {
				sum += x.At(b, c)
			}
			mean = sum / float64(n)
			sq := 0.0
			for b := 0; b < n; b++ {
				d := x.At(b, c) - mean
				sq += d * d
			}
			variance = sq / float64(n)
			bn.runningMean.Data.Data[c] = (1-bn.Momentum)*bn.runningMean.Data.Data[c] + bn.Momentum*mean
			bn.runningVar.Data.Data[c] = (1-bn.Momentum)*bn.runningVar.Data.Data[c] + bn.Momentum*variance
		}
		inv := 1.0 / math.Sqrt(variance+bn.Eps)
		gamma := bn.weight.Data.Data[c]
		beta := bn.bias.Data.Data[c]
		for b := 0; b < n; b++ {
			out.Set((x.At(b, c)-mean)*inv*gamma+beta, b, c)
		}
	}
	return out, nil
}

// Parameters returns gamma, beta and the running statistics buffers.
func (bn *BatchNorm1d) Parameters() []*Parameter {
	return []*Parameter{bn.weight, bn.bias, bn.runningMean, bn.runningVar}
}

// LayerNorm normalizes over the last dimension of its input.
type LayerNorm struct {
	Dim int
	Eps float64

	weight *Parameter
	bias   *Parameter
}

// NewLayerNorm creates a layer norm over vectors of the given width.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	return &LayerNorm{
		Dim:    dim,
		Eps:    eps,
		weight: &Parameter{Name: "weight", Data: tensor.Full(1, dim), RequiresGrad: true},
		bias:   &Parameter{Name: "bias", Data: tensor.New(dim), RequiresGrad: true},
	}
}

// Forward normalizes each trailing vector to zero mean and unit variance,
// then applies the learned scale and shift.
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if shape[len(shape)-1] != ln.Dim {
		return nil, fmt.Errorf("nn: layer_norm expects width %d, got shape %v", ln.Dim, shape)
	}
	out := x.Clone()
	n := ln.Dim
	for start := 0; start < len(out.Data); start += n {
		row := out.Data[start : start+n]
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(n)
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(n)
		inv := 1.0 / math.Sqrt(variance+ln.Eps)
		for i := range row {
			row[i] = (row[i]-mean)*inv*ln.weight.Data.Data[i] + ln.bias.Data.Data[i]
		}
	}
	return out, nil
}

// Parameters returns the scale and shift.
func (ln *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{ln.weight, ln.bias}
}
