// Package nn implements the twin embedding network, its loss and optimizer.
//
// Tensors are laid out HWC, matching types.Tensor, and flattened row-major.
// Backward passes are written by hand for every layer, so a training step is
// a forward pass that records what each layer needs, followed by a reverse
// sweep that accumulates gradients into the shared parameter set.
package nn

import (
	"fmt"

	"github.com/andresmejia3/faceverify/internal/types"
)

// ArchitectureVersion is bumped whenever the meaning of Architecture changes.
const ArchitectureVersion = 1

// ConvBlock is one feature-extraction stage.
type ConvBlock struct {
	Filters int `json:"filters" yaml:"filters"`
	Kernel  int `json:"kernel" yaml:"kernel"`
}

// Architecture describes the embedding network. It is persisted next to the
// parameters so a model can be rebuilt without any registry of layer types.
//
// Every block is a valid-padded stride-1 convolution with ReLU. All blocks but
// the last are followed by 2x2 max pooling with stride 2 and same padding.
// The last block is flattened and projected to EmbeddingDim with a sigmoid.
type Architecture struct {
	Version      int         `json:"version" yaml:"version"`
	InputSize    int         `json:"input_size" yaml:"input_size"`
	Channels     int         `json:"channels" yaml:"channels"`
	Blocks       []ConvBlock `json:"blocks" yaml:"blocks"`
	EmbeddingDim int         `json:"embedding_dim" yaml:"embedding_dim"`
}

// DefaultArchitecture returns the reference network: 64/10x10, 128/7x7,
// 128/4x4, 256/4x4 feeding a 4096-wide embedding.
func DefaultArchitecture() Architecture {
	return Architecture{
		Version:   ArchitectureVersion,
		InputSize: types.ImageSize,
		Channels:  types.Channels,
		Blocks: []ConvBlock{
			{Filters: 64, Kernel: 10},
			{Filters: 128, Kernel: 7},
			{Filters: 128, Kernel: 4},
			{Filters: 256, Kernel: 4},
		},
		EmbeddingDim: 4096,
	}
}

// Stage holds the spatial size around one block.
type Stage struct {
	In     int // Input height and width.
	Conv   int // Size after the convolution.
	Out    int // Size after pooling (equal to Conv for the last block).
	InC    int
	OutC   int
	Pooled bool
}

// Stages computes the spatial sizes through the network.
func (a Architecture) Stages() ([]Stage, error) {
	if a.InputSize <= 0 || a.Channels <= 0 {
		return nil, fmt.Errorf("nn: input must be positive, got %dx%dx%d", a.InputSize, a.InputSize, a.Channels)
	}
	if len(a.Blocks) == 0 {
		return nil, fmt.Errorf("nn: architecture has no blocks")
	}

	stages := make([]Stage, len(a.Blocks))
	size, channels := a.InputSize, a.Channels

	for i, b := range a.Blocks {
		if b.Filters <= 0 || b.Kernel <= 0 {
			return nil, fmt.Errorf("nn: block %d has invalid filters=%d kernel=%d", i, b.Filters, b.Kernel)
		}
		conv := size - b.Kernel + 1
		if conv < 1 {
			return nil, fmt.Errorf("nn: block %d kernel %d does not fit input %d", i, b.Kernel, size)
		}

		s := Stage{In: size, Conv: conv, Out: conv, InC: channels, OutC: b.Filters}
		if i < len(a.Blocks)-1 {
			s.Pooled = true
			s.Out = (conv + 1) / 2
		}
		if s.Out >= size {
			return nil, fmt.Errorf("nn: block %d does not reduce resolution (%d -> %d)", i, size, s.Out)
		}

		stages[i] = s
		size, channels = s.Out, b.Filters
	}

	return stages, nil
}

// FlatDim is the length of the flattened output of the last block.
func (a Architecture) FlatDim() int {
	stages, err := a.Stages()
	if err != nil {
		return 0
	}
	last := stages[len(stages)-1]
	return last.Out * last.Out * last.OutC
}

// InputLen is the number of values in one input tensor.
func (a Architecture) InputLen() int {
	return a.InputSize * a.InputSize * a.Channels
}

// Validate checks the descriptor version and that the network is buildable.
func (a Architecture) Validate() error {
	if a.Version != ArchitectureVersion {
		return fmt.Errorf("nn: unsupported architecture version %d (want %d)", a.Version, ArchitectureVersion)
	}
	if a.EmbeddingDim <= 0 {
		return fmt.Errorf("nn: embedding dimension must be positive, got %d", a.EmbeddingDim)
	}
	_, err := a.Stages()
	return err
}
