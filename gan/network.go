package gan

import (
	"github.com/tsawler/hailmary/config"
	"github.com/tsawler/hailmary/tensor"
)

// Network is any trainable sub-network the model orchestrates.
type Network interface {
	Parameters() []*tensor.Tensor
	Train()
	Eval()
}

// Buffered networks carry non-trainable state (batch-norm running
// statistics) that must survive a checkpoint round trip.
type Buffered interface {
	Buffers() []*tensor.Tensor
}

// Head is a discriminator or critic: [B,C,H,W] -> [B,1] scores.
type Head interface {
	Network
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Encoder maps color [B,3,H,W] to one feature map per stage, ordered
// finest to coarsest.
type Encoder interface {
	Network
	Encode(color *tensor.Tensor) ([]*tensor.Tensor, error)
	FeatureChannels() []int
	FreezeBatchNorm()
}

// Decoder maps encoder stage outputs to depth [B,1,H,W] and normals
// [B,3,H,W] at the input resolution.
type Decoder interface {
	Network
	Decode(features []*tensor.Tensor) (depth, normals *tensor.Tensor, err error)
	FreezeBatchNorm()
}

// TextureGenerator translates depth [B,1,H,W] and normals [B,3,H,W] into
// color [B,3,H,W].
type TextureGenerator interface {
	Network
	Generate(depth, normals *tensor.Tensor) (*tensor.Tensor, error)
}

// Renderer is the fixed, differentiable shading function used as a
// cross-modality signal.
type Renderer interface {
	Render(depth, normals *tensor.Tensor) (*tensor.Tensor, error)
	NormalsFromDepth(depth *tensor.Tensor) (*tensor.Tensor, error)
}

// NetworkFactory builds every network the model needs. NewGenerator must
// return an encoder whose weights start as a copy of baseline.
type NetworkFactory interface {
	NewDepthModel(cfg config.GANConfig) (Encoder, Decoder, error)
	NewGenerator(cfg config.GANConfig, baseline Encoder) (Encoder, error)
	NewHead(cfg config.DiscriminatorConfig, inChannels int) (Head, error)
	NewTextureGenerator(cfg config.TextureConfig) (TextureGenerator, error)
}

// stateTensors returns the tensors of n that a checkpoint must hold.
func stateTensors(n Network) (params, buffers []*tensor.Tensor) {
	params = n.Parameters()
	if b, ok := n.(Buffered); ok {
		buffers = b.Buffers()
	}
	return params, buffers
}
