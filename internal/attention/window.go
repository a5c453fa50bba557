// Package attention implements the attention blocks used by the embedding
// heads: a windowed multi-head self-attention with optional cyclic shifting
// and relative position bias, and a plain multi-head self-attention over
// token sequences.
package attention

import (
	"fmt"
	"math"

	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/tensor"
)

// WindowConfig parameterizes a windowed attention block.
type WindowConfig struct {
	// Dim is the channel width of the (batch, height, width, channels) input.
	Dim int
	// Heads is the number of attention heads.
	Heads int
	// HeadDim is the per-head feature width.
	HeadDim int
	// WindowSize is the side length of the square attention windows. Height
	// and width of every input must be exact multiples of it.
	WindowSize int
	// Shifted cyclically rolls the spatial grid by -WindowSize/2 before
	// attention and back afterwards, masking the wrap seams.
	Shifted bool
	// RelativePosEmbedding selects the learned relative-offset bias table
	// instead of an absolute per-pair table.
	RelativePosEmbedding bool
}

// Window computes self-attention independently within non-overlapping
// WindowSize x WindowSize windows of a spatial feature map.
type Window struct {
	cfg          WindowConfig
	scale        float64
	displacement int

	toQKV *nn.Linear
	toOut *nn.Linear

	posBias *nn.Parameter
	// relIndex[i][j] holds the bias-table coordinates for query position i
	// and key position j within a window, already offset to be non-negative.
	relIndex [][][2]int

	upperLowerMask *tensor.Tensor
	leftRightMask  *tensor.Tensor
}

// NewWindow validates the configuration and builds the block.
func NewWindow(cfg WindowConfig) (*Window, error) {
	if cfg.Dim <= 0 || cfg.Heads <= 0 || cfg.HeadDim <= 0 {
		return nil, fmt.Errorf("attention: dim, heads and head_dim must be positive (dim=%d heads=%d head_dim=%d)",
			cfg.Dim, cfg.Heads, cfg.HeadDim)
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("attention: window size must be positive, got %d", cfg.WindowSize)
	}
	inner := cfg.Heads * cfg.HeadDim
	w := &Window{
		cfg:   cfg,
		scale: 1.0 / math.Sqrt(float64(cfg.HeadDim)),
		toQKV: nn.NewLinear(cfg.Dim, inner*3, false),
		toOut: nn.NewLinear(inner, cfg.Dim, true),
	}
	if cfg.Shifted {
		w.displacement = cfg.WindowSize / 2
		w.upperLowerMask = seamMask(cfg.WindowSize, w.displacement, true, false)
		w.leftRightMask = seamMask(cfg.WindowSize, w.displacement, false, true)
	}
	if cfg.RelativePosEmbedding {
		w.relIndex = relativeIndices(cfg.WindowSize)
		side := 2*cfg.WindowSize - 1
		w.posBias = &nn.Parameter{Name: "pos_embedding", Data: tensor.Randn(side, side), RequiresGrad: true}
	} else {
		area := cfg.WindowSize * cfg.WindowSize
		w.posBias = &nn.Parameter{Name: "pos_embedding", Data: tensor.Randn(area, area), RequiresGrad: true}
	}
	return w, nil
}

// relativeIndices precomputes, for every ordered pair of positions within a
// window, the relative offset of the key from the query shifted by
// windowSize-1 so all indices are valid coordinates into the bias table.
func relativeIndices(windowSize int) [][][2]int {
	area := windowSize * windowSize
	out := make([][][2]int, area)
	for i := 0; i < area; i++ {
		out[i] = make([][2]int, area)
		yi, xi := i/windowSize, i%windowSize
		for j := 0; j < area; j++ {
			yj, xj := j/windowSize, j%windowSize
			out[i][j] = [2]int{yj - yi + windowSize - 1, xj - xi + windowSize - 1}
		}
	}
	return out
}

// seamMask builds the additive -Inf mask that blocks attention between
// positions separated by the cyclic wrap seam inside a shifted window.
func seamMask(windowSize, displacement int, upperLower, leftRight bool) *tensor.Tensor {
	area := windowSize * windowSize
	mask := tensor.New(area, area)
	negInf := math.Inf(-1)
	boundary := area - displacement*windowSize
	if upperLower {
		for i := 0; i < area; i++ {
			for j := 0; j < area; j++ {
				if (i >= boundary) != (j >= boundary) {
					mask.Set(negInf, i, j)
				}
			}
		}
	}
	if leftRight {
		split := windowSize - displacement
		for i := 0; i < area; i++ {
			wi := i % windowSize
			for j := 0; j < area; j++ {
				wj := j % windowSize
				if (wi >= split) != (wj >= split) {
					mask.Set(negInf, i, j)
				}
			}
		}
	}
	return mask
}

// Forward runs windowed attention over a (batch, height, width, dim) input
// and returns a tensor of the same shape.
func (w *Window) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("attention: window expects a rank-4 NHWC input, got shape %v", x.Shape())
	}
	if x.Dim(3) != w.cfg.Dim {
		return nil, fmt.Errorf("attention: window expects %d channels, got %d", w.cfg.Dim, x.Dim(3))
	}
	ws := w.cfg.WindowSize
	height, width := x.Dim(1), x.Dim(2)
	if height%ws != 0 || width%ws != 0 {
		return nil, fmt.Errorf("attention: spatial size %dx%d is not a multiple of window size %d", height, width, ws)
	}

	if w.cfg.Shifted {
		x = x.Roll(-w.displacement, 1, 2)
	}

	batch := x.Dim(0)
	heads, headDim := w.cfg.Heads, w.cfg.HeadDim
	inner := heads * headDim
	nwH, nwW := height/ws, width/ws
	numWindows := nwH * nwW
	area := ws * ws

	qkv, err := w.toQKV.Forward(x)
	if err != nil {
		return nil, err
	}

	merged := tensor.New(batch, height, width, inner)
	scores := tensor.New(area, area)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			qBase := h * headDim
			kBase := inner + h*headDim
			vBase := 2*inner + h*headDim
			for win := 0; win < numWindows; win++ {
				wy, wx := win/nwW, win%nwW
				for i := 0; i < area; i++ {
					yi := wy*ws + i/ws
					xi := wx*ws + i%ws
					for j := 0; j < area; j++ {
						yj := wy*ws + j/ws
						xj := wx*ws + j%ws
						dot := 0.0
						for d := 0; d < headDim; d++ {
							dot += qkv.At(b, yi, xi, qBase+d) * qkv.At(b, yj, xj, kBase+d)
						}
						score := dot * w.scale
						if w.cfg.RelativePosEmbedding {
							ri := w.relIndex[i][j]
							score += w.posBias.Data.At(ri[0], ri[1])
						} else {
							score += w.posBias.Data.At(i, j)
						}
						if w.cfg.Shifted {
							if wy == nwH-1 {
								score += w.upperLowerMask.At(i, j)
							}
							if wx == nwW-1 {
								score += w.leftRightMask.At(i, j)
							}
						}
						scores.Set(score, i, j)
					}
				}
				attn := tensor.Softmax(scores)
				for i := 0; i < area; i++ {
					yi := wy*ws + i/ws
					xi := wx*ws + i%ws
					for d := 0; d < headDim; d++ {
						sum := 0.0
						for j := 0; j < area; j++ {
							yj := wy*ws + j/ws
							xj := wx*ws + j%ws
							sum += attn.At(i, j) * qkv.At(b, yj, xj, vBase+d)
						}
						merged.Set(sum, b, yi, xi, qBase+d)
					}
				}
			}
		}
	}

	out, err := w.toOut.Forward(merged)
	if err != nil {
		return nil, err
	}
	if w.cfg.Shifted {
		out = out.Roll(w.displacement, 1, 2)
	}
	return out, nil
}

// Parameters returns the projection weights and the position bias table.
func (w *Window) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, p := range w.toQKV.Parameters() {
		out = append(out, &nn.Parameter{Name: "to_qkv." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	for _, p := range w.toOut.Parameters() {
		out = append(out, &nn.Parameter{Name: "to_out." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
	}
	out = append(out, w.posBias)
	return out
}

// RelativeIndices exposes the precomputed bias-table coordinates; tests use
// it to check the index range.
func (w *Window) RelativeIndices() [][][2]int { return w.relIndex }
