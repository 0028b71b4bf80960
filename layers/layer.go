// Package layers is the CPU implementation of the networks the adversarial
// trainer drives: basic modules with autograd-backed Forward passes and the
// encoder, decoder, discriminator and texture generator built from them.
package layers

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tsawler/hailmary/tensor"
)

// Global random source for deterministic initialization
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// LayerType identifies a module kind in summaries
type LayerType int

const (
	Dense LayerType = iota
	LazyDense
	Conv2DLayer
	BatchNorm
	ReLU
	LeakyReLU
	Sigmoid
	Tanh
	Softplus
	Downsample
	FlattenLayer
	SequentialLayer
	Network
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case LazyDense:
		return "LazyDense"
	case Conv2DLayer:
		return "Conv2D"
	case BatchNorm:
		return "BatchNorm"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	case Softplus:
		return "Softplus"
	case Downsample:
		return "Downsample"
	case FlattenLayer:
		return "Flatten"
	case SequentialLayer:
		return "Sequential"
	case Network:
		return "Network"
	default:
		return "Unknown"
	}
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
	Type() LayerType
}

// Container is a module made of other modules.
type Container interface {
	Module
	Children() []Module
}

// Apply calls fn on m and then, depth first, on every module it contains.
func Apply(m Module, fn func(Module)) {
	fn(m)
	if c, ok := m.(Container); ok {
		for _, child := range c.Children() {
			Apply(child, fn)
		}
	}
}

// FreezeBatchNorm stops every batch-norm layer under m from updating its
// running statistics; frozen layers normalise with the running estimates
// even in training mode.
func FreezeBatchNorm(m Module) {
	Apply(m, func(mod Module) {
		if bn, ok := mod.(*BatchNorm2D); ok {
			bn.Freeze()
		}
	})
}

// CollectBuffers returns the running statistics of every batch-norm layer
// under m in a stable order.
func CollectBuffers(m Module) []*tensor.Tensor {
	var buffers []*tensor.Tensor
	Apply(m, func(mod Module) {
		if bn, ok := mod.(*BatchNorm2D); ok {
			buffers = append(buffers, bn.Buffers()...)
		}
	})
	return buffers
}

// CopyState copies parameters and running statistics from src into dst.
// Both modules must have the same architecture.
func CopyState(dst, src Module) error {
	copyAll := func(what string, to, from []*tensor.Tensor) error {
		if len(to) != len(from) {
			return fmt.Errorf("%s count mismatch: %d vs %d", what, len(to), len(from))
		}
		for i := range to {
			if !tensor.ShapesEqual(to[i].Shape, from[i].Shape) {
				return fmt.Errorf("%s %d shape mismatch: %v vs %v", what, i, to[i].Shape, from[i].Shape)
			}
			copy(to[i].Data, from[i].Data)
		}
		return nil
	}
	if err := copyAll("parameter", dst.Parameters(), src.Parameters()); err != nil {
		return err
	}
	return copyAll("buffer", CollectBuffers(dst), CollectBuffers(src))
}

// ParameterCount returns the number of scalar parameters under m.
func ParameterCount(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElems
	}
	return total
}

// Summary lists the leaf modules under m with their parameter counts.
func Summary(m Module) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%d parameters)\n", m.Type(), ParameterCount(m)))
	Apply(m, func(mod Module) {
		if _, ok := mod.(Container); ok {
			return
		}
		sb.WriteString(fmt.Sprintf("  %-12s %d\n", mod.Type(), ParameterCount(mod)))
	})
	return sb.String()
}

// mode carries the train/eval flag shared by every module.
type mode struct {
	training bool
}

// Train sets the module to training mode
func (m *mode) Train() {
	m.training = true
}

// Eval sets the module to evaluation mode
func (m *mode) Eval() {
	m.training = false
}

// IsTraining returns true if in training mode
func (m *mode) IsTraining() bool {
	return m.training
}

// xavier fills a new trainable tensor with U(-bound, bound) where
// bound = sqrt(6 / (fan_in + fan_out)).
func xavier(shape []int, fanIn, fanOut int) (*tensor.Tensor, error) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	w, err := tensor.RandomUniform(shape, -bound, bound, globalRng)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	return w, nil
}

func zeroParam(shape []int) *tensor.Tensor {
	p := tensor.MustNew(shape, nil)
	p.SetRequiresGrad(true)
	return p
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	mode
	weight *tensor.Tensor // [in, out]
	bias   *tensor.Tensor // [out]
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	weight, err := xavier([]int{inputSize, outputSize}, inputSize, outputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	l := &Linear{mode: mode{training: true}, weight: weight}
	if bias {
		l.bias = zeroParam([]int{outputSize})
	}
	return l, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}
	output, err := tensor.MatMul(input, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		output, err = tensor.Add(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}
	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Type() LayerType { return Dense }

// LazyLinear is a Linear layer whose input size is taken from the first
// batch it sees. It has no parameters until then.
type LazyLinear struct {
	mode
	outputSize int
	bias       bool
	inner      *Linear
}

// NewLazyLinear creates an uninitialised dense layer.
func NewLazyLinear(outputSize int, bias bool) *LazyLinear {
	return &LazyLinear{mode: mode{training: true}, outputSize: outputSize, bias: bias}
}

// Initialized reports whether the first forward pass has happened.
func (l *LazyLinear) Initialized() bool {
	return l.inner != nil
}

func (l *LazyLinear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if l.inner == nil {
		if len(input.Shape) != 2 {
			return nil, fmt.Errorf("LazyLinear expects 2D input [batch_size, input_size], got shape %v", input.Shape)
		}
		inner, err := NewLinear(input.Shape[1], l.outputSize, l.bias)
		if err != nil {
			return nil, err
		}
		l.inner = inner
	}
	return l.inner.Forward(input)
}

func (l *LazyLinear) Parameters() []*tensor.Tensor {
	if l.inner == nil {
		return nil
	}
	return l.inner.Parameters()
}

func (l *LazyLinear) Type() LayerType { return LazyDense }

// Conv2D implements a stride-1 "same" 2D convolution layer
type Conv2D struct {
	mode
	weight *tensor.Tensor // [out, in, k, k]
	bias   *tensor.Tensor // [1, out, 1, 1]
}

// NewConv2D creates a new Conv2D layer. kernelSize must be odd.
func NewConv2D(inputChannels, outputChannels, kernelSize int, bias bool) (*Conv2D, error) {
	if kernelSize%2 == 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("Conv2D kernel size must be odd and positive, got %d", kernelSize)
	}
	// fan_in = input_channels * k * k, fan_out = output_channels * k * k
	area := kernelSize * kernelSize
	weight, err := xavier([]int{outputChannels, inputChannels, kernelSize, kernelSize},
		inputChannels*area, outputChannels*area)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	c := &Conv2D{mode: mode{training: true}, weight: weight}
	if bias {
		c.bias = zeroParam([]int{1, outputChannels, 1, 1})
	}
	return c, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	out, err := tensor.Conv2D(input, c.weight)
	if err != nil {
		return nil, err
	}
	if c.bias != nil {
		return tensor.Add(out, c.bias)
	}
	return out, nil
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) Type() LayerType { return Conv2DLayer }

// BatchNorm2D implements per-channel batch normalization of [B,C,H,W] input
type BatchNorm2D struct {
	mode
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor // Scale parameter
	beta        *tensor.Tensor // Shift parameter
	runningMean *tensor.Tensor // Running mean for inference
	runningVar  *tensor.Tensor // Running variance for inference
	frozen      bool
}

// NewBatchNorm2D creates a new Batch Normalization layer
func NewBatchNorm2D(numFeatures int, eps, momentum float64) *BatchNorm2D {
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}
	gamma, _ := tensor.Ones([]int{numFeatures})
	gamma.SetRequiresGrad(true)
	runningVar, _ := tensor.Ones([]int{numFeatures})

	return &BatchNorm2D{
		mode:        mode{training: true},
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        zeroParam([]int{numFeatures}),
		runningMean: tensor.MustNew([]int{numFeatures}, nil),
		runningVar:  runningVar,
	}
}

// Freeze makes the layer normalise with its running statistics and stop
// updating them. The affine parameters stay trainable.
func (bn *BatchNorm2D) Freeze() {
	bn.frozen = true
}

// Frozen reports whether Freeze was called.
func (bn *BatchNorm2D) Frozen() bool {
	return bn.frozen
}

// Forward performs batch normalization
func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 || input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("BatchNorm2D expects [B,%d,H,W] input, got shape %v", bn.numFeatures, input.Shape)
	}
	if bn.training && !bn.frozen {
		out, mean, variance, err := tensor.BatchNorm2D(input, bn.gamma, bn.beta, bn.eps)
		if err != nil {
			return nil, err
		}
		// The running variance uses the unbiased estimate.
		n := float64(input.NumElems / bn.numFeatures)
		unbias := 1.0
		if n > 1 {
			unbias = n / (n - 1)
		}
		for i := range mean {
			bn.runningMean.Data[i] = (1-bn.momentum)*bn.runningMean.Data[i] + bn.momentum*mean[i]
			bn.runningVar.Data[i] = (1-bn.momentum)*bn.runningVar.Data[i] + bn.momentum*variance[i]*unbias
		}
		return out, nil
	}
	return bn.normalizeWithRunningStats(input)
}

// normalizeWithRunningStats computes gamma * (x - mean) / sqrt(var + eps) + beta
// with the running estimates held constant.
func (bn *BatchNorm2D) normalizeWithRunningStats(input *tensor.Tensor) (*tensor.Tensor, error) {
	shape := []int{1, bn.numFeatures, 1, 1}
	mean := tensor.MustNew(shape, append([]float64(nil), bn.runningMean.Data...))
	inv := tensor.MustNew(shape, nil)
	for i, v := range bn.runningVar.Data {
		inv.Data[i] = 1 / math.Sqrt(v+bn.eps)
	}

	centered, err := tensor.Sub(input, mean)
	if err != nil {
		return nil, err
	}
	normalized, err := tensor.Mul(centered, inv)
	if err != nil {
		return nil, err
	}
	gamma, err := tensor.Reshape(bn.gamma, shape)
	if err != nil {
		return nil, err
	}
	beta, err := tensor.Reshape(bn.beta, shape)
	if err != nil {
		return nil, err
	}
	scaled, err := tensor.Mul(normalized, gamma)
	if err != nil {
		return nil, fmt.Errorf("scaling failed: %v", err)
	}
	output, err := tensor.Add(scaled, beta)
	if err != nil {
		return nil, fmt.Errorf("shift failed: %v", err)
	}
	return output, nil
}

// Parameters returns the trainable parameters
func (bn *BatchNorm2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// Buffers returns the running mean and variance.
func (bn *BatchNorm2D) Buffers() []*tensor.Tensor {
	return []*tensor.Tensor{bn.runningMean, bn.runningVar}
}

func (bn *BatchNorm2D) Type() LayerType { return BatchNorm }

// Activation applies an element-wise nonlinearity.
type Activation struct {
	mode
	kind  LayerType
	slope float64
}

func NewReLU() *Activation { return &Activation{mode: mode{training: true}, kind: ReLU} }

func NewLeakyReLU(slope float64) *Activation {
	return &Activation{mode: mode{training: true}, kind: LeakyReLU, slope: slope}
}

func NewSigmoid() *Activation  { return &Activation{mode: mode{training: true}, kind: Sigmoid} }
func NewTanh() *Activation     { return &Activation{mode: mode{training: true}, kind: Tanh} }
func NewSoftplus() *Activation { return &Activation{mode: mode{training: true}, kind: Softplus} }

func (a *Activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	switch a.kind {
	case ReLU:
		return tensor.ReLU(input)
	case LeakyReLU:
		return tensor.LeakyReLU(input, a.slope)
	case Sigmoid:
		return tensor.Sigmoid(input)
	case Tanh:
		return tensor.Tanh(input)
	case Softplus:
		return tensor.Softplus(input)
	default:
		return nil, fmt.Errorf("unsupported activation %s", a.kind)
	}
}

func (a *Activation) Parameters() []*tensor.Tensor { return nil }
func (a *Activation) Type() LayerType              { return a.kind }

// Pool halves height and width with 2x2 average pooling. Inputs already
// smaller than 2x2 pass through unchanged.
type Pool struct {
	mode
}

func NewPool() *Pool { return &Pool{mode: mode{training: true}} }

func (p *Pool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) == 4 && (input.Shape[2] < 2 || input.Shape[3] < 2) {
		return input, nil
	}
	return tensor.AvgPool2(input)
}

func (p *Pool) Parameters() []*tensor.Tensor { return nil }
func (p *Pool) Type() LayerType              { return Downsample }

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	mode
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{mode: mode{training: true}}
}

// Forward flattens the input tensor to [batch_size, -1]
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}
	return tensor.Flatten(input)
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }
func (f *Flatten) Type() LayerType              { return FlattenLayer }

// Sequential allows chaining multiple modules together
type Sequential struct {
	mode
	modules []Module
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		mode:    mode{training: true},
		modules: modules,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d (%s) forward failed: %v", i, module.Type(), err)
		}
	}
	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Children() []Module { return s.modules }
func (s *Sequential) Type() LayerType    { return SequentialLayer }
