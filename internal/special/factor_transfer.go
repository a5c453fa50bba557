package special

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/distillgo/internal/model"
	"github.com/vk/distillgo/internal/nn"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/tensor"
)

// ParaphraserParams configures the factor-transfer paraphraser.
type ParaphraserParams struct {
	// K is the paraphrase rate: the encoder compresses (or expands) the
	// channel width to int(K * NumInputChannels).
	K                float64 `hcl:"k"`
	NumInputChannels int     `hcl:"num_input_channels"`
	KernelSize       int     `hcl:"kernel_size,optional"`
	Stride           int     `hcl:"stride,optional"`
	Padding          *int    `hcl:"padding,optional"`
	UsesBN           *bool   `hcl:"uses_bn,optional"`
}

func (p ParaphraserParams) kernel() int  { return intOr(p.KernelSize, 3) }
func (p ParaphraserParams) stride() int  { return intOr(p.Stride, 1) }
func (p ParaphraserParams) usesBN() bool { return boolOr(p.UsesBN, true) }
func (p ParaphraserParams) padding() int {
	if p.Padding == nil {
		return 1
	}
	return *p.Padding
}

func encStage(in, out, kernel, stride, padding int, usesBN bool) (*nn.Sequential, error) {
	conv, err := nn.NewConv2d(in, out, kernel, stride, padding, true)
	if err != nil {
		return nil, err
	}
	stage := nn.NewSequential(conv)
	if usesBN {
		stage.Append(nn.NewBatchNorm2d(out))
	}
	stage.Append(nn.NewLeakyReLU(0.1))
	return stage, nil
}

func decStage(in, out, kernel, stride, padding int, usesBN bool) (*nn.Sequential, error) {
	conv, err := nn.NewConvTranspose2d(in, out, kernel, stride, padding, true)
	if err != nil {
		return nil, err
	}
	stage := nn.NewSequential(conv)
	if usesBN {
		stage.Append(nn.NewBatchNorm2d(out))
	}
	stage.Append(nn.NewLeakyReLU(0.1))
	return stage, nil
}

// Paraphraser is the factor-transfer auto-encoder: a three-stage stride-1
// convolutional encoder scaling the channel width by the paraphrase rate and
// a mirrored transposed-convolution decoder. Training-mode forward runs
// encoder then decoder; evaluation-mode forward runs the encoder only.
type Paraphraser struct {
	encoder  *nn.Sequential
	decoder  *nn.Sequential
	training bool
}

// NewParaphraser builds a paraphraser from its parameters.
func NewParaphraser(p ParaphraserParams) (*Paraphraser, error) {
	if p.K <= 0 {
		return nil, fmt.Errorf("special: paraphrase rate must be positive, got %v", p.K)
	}
	in := p.NumInputChannels
	encOut := int(float64(in) * p.K)
	if in <= 0 || encOut <= 0 {
		return nil, fmt.Errorf("special: paraphraser channels must be positive (in=%d, encoded=%d)", in, encOut)
	}
	k, s, pad, bn := p.kernel(), p.stride(), p.padding(), p.usesBN()

	encoder := nn.NewSequential()
	for _, ch := range [][2]int{{in, in}, {in, encOut}, {encOut, encOut}} {
		stage, err := encStage(ch[0], ch[1], k, s, pad, bn)
		if err != nil {
			return nil, err
		}
		encoder.Append(stage)
	}
	decoder := nn.NewSequential()
	for _, ch := range [][2]int{{encOut, encOut}, {encOut, in}, {in, in}} {
		stage, err := decStage(ch[0], ch[1], k, s, pad, bn)
		if err != nil {
			return nil, err
		}
		decoder.Append(stage)
	}
	return &Paraphraser{encoder: encoder, decoder: decoder, training: true}, nil
}

// Encode runs the encoder only, yielding the paraphrased factor.
func (p *Paraphraser) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	return p.encoder.Forward(x)
}

// Forward runs encoder+decoder in training mode and the encoder alone in
// evaluation mode.
func (p *Paraphraser) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	z, err := p.encoder.Forward(x)
	if err != nil {
		return nil, err
	}
	if !p.training {
		return z, nil
	}
	return p.decoder.Forward(z)
}

// Parameters returns encoder and decoder parameters.
func (p *Paraphraser) Parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, pr := range p.encoder.Parameters() {
		out = append(out, &nn.Parameter{Name: "encoder." + pr.Name, Data: pr.Data, RequiresGrad: pr.RequiresGrad})
	}
	for _, pr := range p.decoder.Parameters() {
		out = append(out, &nn.Parameter{Name: "decoder." + pr.Name, Data: pr.Data, RequiresGrad: pr.RequiresGrad})
	}
	return out
}

// SetTraining switches the forward path and the child normalization layers.
func (p *Paraphraser) SetTraining(training bool) {
	p.training = training
	p.encoder.SetTraining(training)
	p.decoder.SetTraining(training)
}

// Training reports the current mode.
func (p *Paraphraser) Training() bool { return p.training }

// TranslatorParams configures the factor-transfer translator.
type TranslatorParams struct {
	NumInputChannels  int   `hcl:"num_input_channels"`
	NumOutputChannels int   `hcl:"num_output_channels"`
	KernelSize        int   `hcl:"kernel_size,optional"`
	Stride            int   `hcl:"stride,optional"`
	Padding           *int  `hcl:"padding,optional"`
	UsesBN            *bool `hcl:"uses_bn,optional"`
}

// NewTranslator builds the student-side translator: the same three
// convolutional stages as the paraphraser's encoder, mapping student
// channels to the teacher's paraphrased width. There is no decoder.
func NewTranslator(p TranslatorParams) (*nn.Sequential, error) {
	if p.NumInputChannels <= 0 || p.NumOutputChannels <= 0 {
		return nil, fmt.Errorf("special: translator channels must be positive (in=%d out=%d)",
			p.NumInputChannels, p.NumOutputChannels)
	}
	k := intOr(p.KernelSize, 3)
	s := intOr(p.Stride, 1)
	pad := 1
	if p.Padding != nil {
		pad = *p.Padding
	}
	bn := boolOr(p.UsesBN, true)

	in, out := p.NumInputChannels, p.NumOutputChannels
	translator := nn.NewSequential()
	for _, ch := range [][2]int{{in, in}, {in, out}, {out, out}} {
		stage, err := encStage(ch[0], ch[1], k, s, pad, bn)
		if err != nil {
			return nil, err
		}
		translator.Append(stage)
	}
	return translator, nil
}

type teacherFTParams struct {
	InputModulePath string             `hcl:"input_module_path"`
	ParaphraserCkpt string             `hcl:"paraphraser_ckpt"`
	UsesDecoder     *bool              `hcl:"uses_decoder,optional"`
	Paraphraser     *ParaphraserParams `hcl:"paraphraser,block"`
}

// TeacherFactorTransfer wraps the frozen teacher backbone and owns the
// paraphraser trained on its captured activations.
type TeacherFactorTransfer struct {
	registry.Base
	backbone    model.Backbone
	inputPath   string
	paraphraser *Paraphraser
	wrapped     nn.Module
	ckptPath    string
	usesDecoder bool
}

func buildTeacherFactorTransfer(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p teacherFTParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if bctx.Role.Kind != model.RoleTeacher {
		return nil, fmt.Errorf("special: Teacher4FactorTransfer requires a teacher backbone")
	}
	if p.Paraphraser == nil {
		return nil, fmt.Errorf("special: Teacher4FactorTransfer requires a paraphraser block")
	}
	freezeBackbone(bctx.Role.Backbone)

	para, err := NewParaphraser(*p.Paraphraser)
	if err != nil {
		return nil, err
	}
	if err := loadIfExists(p.ParaphraserCkpt, para); err != nil {
		return nil, err
	}
	return &TeacherFactorTransfer{
		backbone:    bctx.Role.Backbone,
		inputPath:   p.InputModulePath,
		paraphraser: para,
		wrapped:     bctx.WrapModule(para),
		ckptPath:    p.ParaphraserCkpt,
		usesDecoder: boolOr(p.UsesDecoder, true),
	}, nil
}

// Forward runs only the teacher backbone.
func (t *TeacherFactorTransfer) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return t.backbone.Forward(xs...)
}

// PostForward runs the paraphraser on the captured activation. While the
// paraphraser is being trained through its decoder it must stay in training
// mode even though the surrounding teacher is frozen.
func (t *TeacherFactorTransfer) PostForward(io model.IODict) error {
	if t.usesDecoder && !t.paraphraser.Training() {
		t.paraphraser.SetTraining(true)
	}
	in, err := io.Lookup(t.inputPath, model.IOOutput)
	if err != nil {
		return err
	}
	out, err := t.wrapped.Forward(in)
	if err != nil {
		return err
	}
	t.Record("paraphraser", out)
	return nil
}

// PostProcess persists the paraphraser for the next distillation stage.
func (t *TeacherFactorTransfer) PostProcess(ctx context.Context) error {
	return nn.SaveState(t.ckptPath, t.paraphraser)
}

type studentFTParams struct {
	InputModulePath string            `hcl:"input_module_path"`
	Translator      *TranslatorParams `hcl:"translator,block"`
}

// StudentFactorTransfer wraps the student backbone and owns the translator.
type StudentFactorTransfer struct {
	registry.Base
	backbone   model.Backbone
	inputPath  string
	translator nn.Module
}

func buildStudentFactorTransfer(ctx context.Context, bctx *registry.BuildContext, params hcl.Body) (registry.SpecialModule, error) {
	var p studentFTParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if bctx.Role.Kind != model.RoleStudent {
		return nil, fmt.Errorf("special: Student4FactorTransfer requires a student backbone")
	}
	if p.Translator == nil {
		return nil, fmt.Errorf("special: Student4FactorTransfer requires a translator block")
	}
	translator, err := NewTranslator(*p.Translator)
	if err != nil {
		return nil, err
	}
	return &StudentFactorTransfer{
		backbone:   bctx.Role.Backbone,
		inputPath:  p.InputModulePath,
		translator: bctx.WrapModule(translator),
	}, nil
}

// Forward runs only the student backbone.
func (s *StudentFactorTransfer) Forward(xs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return s.backbone.Forward(xs...)
}

// PostForward translates the captured student activation toward the
// teacher's paraphrased factor space.
func (s *StudentFactorTransfer) PostForward(io model.IODict) error {
	in, err := io.Lookup(s.inputPath, model.IOOutput)
	if err != nil {
		return err
	}
	out, err := s.translator.Forward(in)
	if err != nil {
		return err
	}
	s.Record("translator", out)
	return nil
}
