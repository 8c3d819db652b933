package preprocess

import (
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceverify/internal/types"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func writeJPEG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 95}))
	return path
}

func TestLoadShapeAndRange(t *testing.T) {
	dir := t.TempDir()
	p := New()

	tests := []struct {
		name string
		path string
	}{
		{"Large JPEG", writeJPEG(t, dir, "large.jpg", gradient(250, 250))},
		{"Small PNG", writePNG(t, dir, "small.png", gradient(40, 30))},
		{"Wide PNG", writePNG(t, dir, "wide.png", gradient(320, 120))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := p.Load(tt.path)
			require.NoError(t, err)
			assert.Equal(t, [3]int{100, 100, 3}, tensor.Shape())
			assert.NoError(t, tensor.Validate())
		})
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	path := writeJPEG(t, t.TempDir(), "face.jpg", gradient(180, 200))
	p := New()

	a, err := p.Load(path)
	require.NoError(t, err)
	b, err := p.Load(path)
	require.NoError(t, err)

	assert.Equal(t, a.Data, b.Data)
}

// File and in-memory inputs must go through the same resize policy, otherwise
// inference sees differently scaled pixels than training did.
func TestLoadMatchesFromImage(t *testing.T) {
	img := gradient(173, 211)
	path := writePNG(t, t.TempDir(), "face.png", img)
	p := New()

	fromFile, err := p.Load(path)
	require.NoError(t, err)
	fromMemory, err := p.FromImage(img)
	require.NoError(t, err)

	assert.Equal(t, fromFile.Data, fromMemory.Data)
}

func TestLoadDecodeErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.jpg")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not an image"), 0644))
	empty := filepath.Join(dir, "empty.jpg")
	require.NoError(t, os.WriteFile(empty, nil, 0644))

	p := New()
	for _, path := range []string{garbage, empty, filepath.Join(dir, "missing.jpg")} {
		_, err := p.Load(path)
		require.Error(t, err, path)
		assert.True(t, errors.Is(err, types.ErrDecode), "expected ErrDecode for %s, got %v", path, err)

		var decodeErr *types.DecodeError
		require.True(t, errors.As(err, &decodeErr))
		assert.Equal(t, path, decodeErr.Ref)
	}
}
