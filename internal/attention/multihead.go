package attention

import (
	"fmt"
	"math"

	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/tensor"
)

// MultiHead is a standard multi-head self-attention over (batch, tokens,
// hidden) sequences. The ViT-style attention head uses it on patch tokens.
type MultiHead struct {
	Hidden  int
	Heads   int
	headDim int
	scale   float64

	query *nn.Linear
	key   *nn.Linear
	value *nn.Linear
	out   *nn.Linear
}

// NewMultiHead creates a multi-head self-attention block. Hidden must be
// divisible by heads.
func NewMultiHead(hidden, heads int) (*MultiHead, error) {
	if hidden <= 0 || heads <= 0 {
		return nil, fmt.Errorf("attention: hidden and heads must be positive (hidden=%d heads=%d)", hidden, heads)
	}
	if hidden%heads != 0 {
		return nil, fmt.Errorf("attention: hidden size %d is not divisible by %d heads", hidden, heads)
	}
	headDim := hidden / heads
	return &MultiHead{
		Hidden:  hidden,
		Heads:   heads,
		headDim: headDim,
		scale:   1.0 / math.Sqrt(float64(headDim)),
		query:   nn.NewLinear(hidden, hidden, true),
		key:     nn.NewLinear(hidden, hidden, true),
		value:   nn.NewLinear(hidden, hidden, true),
		out:     nn.NewLinear(hidden, hidden, true),
	}, nil
}

// Forward attends over a (batch, tokens, hidden) input. It returns the
// attended output of the same shape and the attention weights with shape
// (batch, heads, tokens, tokens).
func (m *MultiHead) Forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if x.Rank() != 3 {
		return nil, nil, fmt.Errorf("attention: multi-head expects a rank-3 (batch, tokens, hidden) input, got %v", x.Shape())
	}
	if x.Dim(2) != m.Hidden {
		return nil, nil, fmt.Errorf("attention: multi-head expects hidden size %d, got %d", m.Hidden, x.Dim(2))
	}
	batch, tokens := x.Dim(0), x.Dim(1)

	q, err := m.query.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	k, err := m.key.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	v, err := m.value.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	weights := tensor.New(batch, m.Heads, tokens, tokens)
	ctxOut := tensor.New(batch, tokens, m.Hidden)
	scores := tensor.New(tokens, tokens)
	for b := 0; b < batch; b++ {
		for h := 0; h < m.Heads; h++ {
			base := h * m.headDim
			for i := 0; i < tokens; i++ {
				for j := 0; j < tokens; j++ {
					dot := 0.0
					for d := 0; d < m.headDim; d++ {
						dot += q.At(b, i, base+d) * k.At(b, j, base+d)
					}
					scores.Set(dot*m.scale, i, j)
				}
			}
			attn := tensor.Softmax(scores)
			for i := 0; i < tokens; i++ {
				for j := 0; j < tokens; j++ {
					weights.Set(attn.At(i, j), b, h, i, j)
				}
				for d := 0; d < m.headDim; d++ {
					sum := 0.0
					for j := 0; j < tokens; j++ {
						sum += attn.At(i, j) * v.At(b, j, base+d)
					}
					ctxOut.Set(sum, b, i, base+d)
				}
			}
		}
	}

	projected, err := m.out.Forward(ctxOut)
	if err != nil {
		return nil, nil, err
	}
	return projected, weights, nil
}

// Parameters returns the four projection layers' parameters.
func (m *MultiHead) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	named := []struct {
		prefix string
		layer  *nn.Linear
	}{
		{"query", m.query},
		{"key", m.key},
		{"value", m.value},
		{"out", m.out},
	}
	for _, nl := range named {
		for _, p := range nl.layer.Parameters() {
			out = append(out, &nn.Parameter{Name: nl.prefix + "." + p.Name, Data: p.Data, RequiresGrad: p.RequiresGrad})
		}
	}
	return out
}
