package augment

import (
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceverify/internal/preprocess"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 2), G: uint8(y * 2), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func TestAugmentPreservesShape(t *testing.T) {
	e, err := New(DefaultOptions(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	src := testImage(120, 90)
	variants, err := e.Augment(src)
	require.NoError(t, err)
	require.Len(t, variants, 9)

	p := preprocess.New()
	for i, v := range variants {
		assert.Equal(t, src.Bounds(), v.Bounds(), "variant %d", i)

		tensor, err := p.FromImage(v)
		require.NoError(t, err)
		assert.NoError(t, tensor.Validate(), "variant %d", i)
	}
}

func TestAugmentVariantsDiffer(t *testing.T) {
	e, err := New(DefaultOptions(), rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	src := testImage(64, 64)
	a, err := e.Augment(src)
	require.NoError(t, err)
	b, err := e.Augment(src)
	require.NoError(t, err)

	p := preprocess.New()
	ta, _ := p.FromImage(a[0])
	tb, _ := p.FromImage(b[0])
	assert.NoError(t, ta.Validate())
	assert.NoError(t, tb.Validate())
	assert.NotEqual(t, ta.Data, tb.Data)
}

func TestApplyFlipMirrorsImage(t *testing.T) {
	src := testImage(32, 16)
	p := Perturbation{Contrast: 1, Flip: true, Quality: 100, Saturation: 1}

	out, err := Apply(src, p)
	require.NoError(t, err)

	// The red channel grows left to right; after a flip it must shrink.
	left := color.NRGBAModel.Convert(out.At(0, 8)).(color.NRGBA)
	right := color.NRGBAModel.Convert(out.At(31, 8)).(color.NRGBA)
	assert.Greater(t, int(left.R), int(right.R))
}

func TestCumulativeOption(t *testing.T) {
	opts := DefaultOptions()
	opts.Cumulative = true
	opts.Count = 3
	e, err := New(opts, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	variants, err := e.Augment(testImage(40, 40))
	require.NoError(t, err)
	assert.Len(t, variants, 3)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"Zero count", func(o *Options) { o.Count = 0 }},
		{"Inverted contrast", func(o *Options) { o.ContrastLower, o.ContrastUpper = 1, 0.5 }},
		{"Quality above 100", func(o *Options) { o.QualityUpper = 101 }},
		{"Negative flip", func(o *Options) { o.FlipProbability = -0.1 }},
		{"Inverted saturation", func(o *Options) { o.SaturationLower = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.modify(&o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestAugmentPool(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.jpg")
	require.NoError(t, imaging.Save(testImage(50, 50), src))

	opts := DefaultOptions()
	opts.Count = 4
	e, err := New(opts, rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	n, err := e.AugmentPool(dir, []string{src})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}
