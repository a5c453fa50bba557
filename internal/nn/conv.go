package nn

import (
	"fmt"
	"math"

	"github.com/vk/distillgo/internal/tensor"
)

// Conv2d is a 2-D convolution over NCHW inputs with zero padding.
type Conv2d struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	weight *Parameter // (out, in, k, k)
	bias   *Parameter // (out), nil when constructed without bias
}

// NewConv2d creates a convolution layer. Stride must be positive and padding
// non-negative.
func NewConv2d(inChannels, outChannels, kernelSize, stride, padding int, useBias bool) (*Conv2d, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("nn: conv2d channels and kernel size must be positive (in=%d out=%d k=%d)",
			inChannels, outChannels, kernelSize)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("nn: conv2d invalid stride=%d padding=%d", stride, padding)
	}
	fanIn := float64(inChannels * kernelSize * kernelSize)
	bound := 1.0 / math.Sqrt(fanIn)
	w := tensor.Randn(outChannels, inChannels, kernelSize, kernelSize)
	for i := range w.Data {
		w.Data[i] *= bound
	}
	c := &Conv2d{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		weight:      &Parameter{Name: "weight", Data: w, RequiresGrad: true},
	}
	if useBias {
		c.bias = &Parameter{Name: "bias", Data: tensor.New(outChannels), RequiresGrad: true}
	}
	return c, nil
}

// Forward convolves a (N, C, H, W) input.
func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("nn: conv2d expects a rank-4 NCHW input, got shape %v", x.Shape())
	}
	n, ch, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if ch != c.InChannels {
		return nil, fmt.Errorf("nn: conv2d expects %d input channels, got %d", c.InChannels, ch)
	}
	outH := (h+2*c.Padding-c.KernelSize)/c.Stride + 1
	outW := (w+2*c.Padding-c.KernelSize)/c.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("nn: conv2d output would be empty for input %dx%d kernel %d", h, w, c.KernelSize)
	}
	out := tensor.New(n, c.OutChannels, outH, outW)
	for b := 0; b < n; b++ {
		for oc := 0; oc < c.OutChannels; oc++ {
			biasV := 0.0
			if c.bias != nil {
				biasV = c.bias.Data.Data[oc]
			}
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					sum := biasV
					for ic := 0; ic < c.InChannels; ic++ {
						for ky := 0; ky < c.KernelSize; ky++ {
							iy := oy*c.Stride + ky - c.Padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < c.KernelSize; kx++ {
								ix := ox*c.Stride + kx - c.Padding
								if ix < 0 || ix >= w {
									continue
								}
								sum += x.At(b, ic, iy, ix) * c.weight.Data.At(oc, ic, ky, kx)
							}
						}
					}
					out.Set(sum, b, oc, oy, ox)
				}
			}
		}
	}
	return out, nil
}

// Parameters returns the kernel weight and, if present, the bias.
func (c *Conv2d) Parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

// ConvTranspose2d is the transposed (fractionally-strided) counterpart of
// Conv2d. With stride 1, kernel k and padding p it maps (H, W) spatial input
// to (H+k-1-2p, W+k-1-2p), the exact inverse of the stride-1 Conv2d shape map.
type ConvTranspose2d struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	weight *Parameter // (in, out, k, k)
	bias   *Parameter
}

// NewConvTranspose2d creates a transposed convolution layer.
func NewConvTranspose2d(inChannels, outChannels, kernelSize, stride, padding int, useBias bool) (*ConvTranspose2d, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("nn: conv_transpose2d channels and kernel size must be positive (in=%d out=%d k=%d)",
			inChannels, outChannels, kernelSize)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("nn: conv_transpose2d invalid stride=%d padding=%d", stride, padding)
	}
	fanIn := float64(inChannels * kernelSize * kernelSize)
	bound := 1.0 / math.Sqrt(fanIn)
	w := tensor.Randn(inChannels, outChannels, kernelSize, kernelSize)
	for i := range w.Data {
		w.Data[i] *= bound
	}
	c := &ConvTranspose2d{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		weight:      &Parameter{Name: "weight", Data: w, RequiresGrad: true},
	}
	if useBias {
		c.bias = &Parameter{Name: "bias", Data: tensor.New(outChannels), RequiresGrad: true}
	}
	return c, nil
}

// Forward scatters each input element through the kernel into the output.
func (c *ConvTranspose2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("nn: conv_transpose2d expects a rank-4 NCHW input, got shape %v", x.Shape())
	}
	n, ch, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if ch != c.InChannels {
		return nil, fmt.Errorf("nn: conv_transpose2d expects %d input channels, got %d", c.InChannels, ch)
	}
	outH := (h-1)*c.Stride + c.KernelSize - 2*c.Padding
	outW := (w-1)*c.Stride + c.KernelSize - 2*c.Padding
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("nn: conv_transpose2d output would be empty for input %dx%d kernel %d padding %d",
			h, w, c.KernelSize, c.Padding)
	}
	out := tensor.New(n, c.OutChannels, outH, outW)
	if c.bias != nil {
		for b := 0; b < n; b++ {
			for oc := 0; oc < c.OutChannels; oc++ {
				for oy := 0; oy < outH; oy++ {
					for ox := 0; ox < outW; ox++ {
						out.Set(c.bias.Data.Data[oc], b, oc, oy, ox)
					}
				}
			}
		}
	}
	for b := 0; b < n; b++ {
		for ic := 0; ic < c.InChannels; ic++ {
			for iy := 0; iy < h; iy++ {
				for ix := 0; ix < w; ix++ {
					v := x.At(b, ic, iy, ix)
					if v == 0 {
						continue
					}
					for oc := 0; oc < c.OutChannels; oc++ {
						for ky := 0; ky < c.KernelSize; ky++ {
							oy := iy*c.Stride + ky - c.Padding
							if oy < 0 || oy >= outH {
								continue
							}
							for kx := 0; kx < c.KernelSize; kx++ {
								ox := ix*c.Stride + kx - c.Padding
								if ox < 0 || ox >= outW {
									continue
								}
								out.Add(v*c.weight.Data.At(ic, oc, ky, kx), b, oc, oy, ox)
							}
						}
					}
				}
			}
		}
	}
	return out, nil
}

// Parameters returns the kernel weight and, if present, the bias.
func (c *ConvTranspose2d) Parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}
