// Package preprocess turns image files into fixed-size network input tensors.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/faceverify/internal/event"
	"github.com/andresmejia3/faceverify/internal/types"
)

var log = event.Log

// Interpolator is the single resize policy shared by training and inference.
var Interpolator draw.Interpolator = draw.BiLinear

// Preprocessor decodes images and scales them to an ImageSize x ImageSize x 3
// tensor with values in [0,1]. It holds no random state.
type Preprocessor struct {
	Size int
}

// New returns a preprocessor producing the canonical tensor shape.
func New() *Preprocessor {
	return &Preprocessor{Size: types.ImageSize}
}

// Load reads and decodes the image at ref and converts it to a tensor.
func (p *Preprocessor) Load(ref string) (types.Tensor, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return types.Tensor{}, &types.DecodeError{Ref: ref, Err: err}
	}

	return p.Decode(ref, data)
}

// Decode converts encoded image bytes to a tensor. ref is only used for
// error reporting.
func (p *Preprocessor) Decode(ref string, data []byte) (types.Tensor, error) {
	if len(data) == 0 {
		return types.Tensor{}, &types.DecodeError{Ref: ref, Err: fmt.Errorf("empty file")}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		log.Debugf("preprocess: %s in %s", err, filepath.Base(ref))
		return types.Tensor{}, &types.DecodeError{Ref: ref, Err: err}
	}

	return p.image(ref, img)
}

// FromImage converts an in-memory image with the same resize policy as Load.
func (p *Preprocessor) FromImage(img image.Image) (types.Tensor, error) {
	return p.image("<memory>", img)
}

func (p *Preprocessor) image(ref string, img image.Image) (t types.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.DecodeError{Ref: ref, Err: fmt.Errorf("%s (panic)\nstack: %s", r, debug.Stack())}
		}
	}()

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return t, &types.DecodeError{Ref: ref, Err: fmt.Errorf("image has no pixels")}
	}

	size := p.size()
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	Interpolator.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	return ToTensor(dst), nil
}

func (p *Preprocessor) size() int {
	if p == nil || p.Size <= 0 {
		return types.ImageSize
	}
	return p.Size
}

// ToTensor copies the RGB channels of img into a tensor scaled to [0,1]
// without resizing.
func ToTensor(img *image.NRGBA) types.Tensor {
	b := img.Bounds()
	t := types.NewTensor(b.Dy(), b.Dx(), types.Channels)

	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			base := (y*b.Dx() + x) * types.Channels
			t.Data[base] = float32(row[x*4]) / 255
			t.Data[base+1] = float32(row[x*4+1]) / 255
			t.Data[base+2] = float32(row[x*4+2]) / 255
		}
	}

	return t
}
