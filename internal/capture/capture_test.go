package capture

import (
	"bufio"
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceverify/internal/types"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00}
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...)

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	require.True(t, scanner.Scan(), "Expected to find a token, got EOF")
	assert.Equal(t, jpegData, scanner.Bytes())

	// The trailing garbage is not a JPEG.
	assert.False(t, scanner.Scan(), "Expected only one token, found more")
	assert.NoError(t, scanner.Err())
}

func frameStream(n int) ([]byte, [][]byte) {
	var stream []byte
	var frames [][]byte
	for i := 0; i < n; i++ {
		f := []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}
		frames = append(frames, f)
		stream = append(stream, 0x00)
		stream = append(stream, f...)
	}
	return stream, frames
}

func TestReadFrames(t *testing.T) {
	stream, frames := frameStream(6)

	tests := []struct {
		name  string
		every int
		limit int
		want  []int
	}{
		{"All frames", 1, 0, []int{0, 1, 2, 3, 4, 5}},
		{"Every second", 2, 0, []int{0, 2, 4}},
		{"Limited", 1, 2, []int{0, 1}},
		{"Every third limited", 3, 1, []int{0}},
		{"Zero every keeps all", 0, 0, []int{0, 1, 2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			n, err := ReadFrames(bytes.NewReader(stream), tt.every, tt.limit, func(index int, frame []byte) error {
				assert.Equal(t, len(got), index)
				got = append(got, int(frame[2]))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
			assert.Equal(t, tt.want, got)
			for _, i := range got {
				assert.Equal(t, frames[i], []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9})
			}
		})
	}
}

func TestReadFramesStopsOnCallback(t *testing.T) {
	stream, _ := frameStream(5)

	n, err := ReadFrames(bytes.NewReader(stream), 1, 0, func(index int, _ []byte) error {
		if index == 2 {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	boom := errors.New("disk full")
	_, err = ReadFrames(bytes.NewReader(stream), 1, 0, func(int, []byte) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSourceArgs(t *testing.T) {
	file := Source{Input: "clip.mp4"}
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-i", "clip.mp4", "-f", "image2pipe", "-vcodec", "mjpeg", "-"}, file.Args())

	cam := Source{Input: "/dev/video0", Format: "v4l2", FrameRate: 30}
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2", "-framerate", "30",
		"-i", "/dev/video0", "-f", "image2pipe", "-vcodec", "mjpeg", "-"}, cam.Args())
}

func TestDecodeCropsCentre(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	cropped, err := Decode(buf.Bytes(), 250)
	require.NoError(t, err)
	assert.Equal(t, 250, cropped.Bounds().Dx())
	assert.Equal(t, 250, cropped.Bounds().Dy())

	// Crops never exceed the frame.
	small, err := Decode(buf.Bytes(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 300, small.Bounds().Dx())

	full, err := Decode(buf.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, 400, full.Bounds().Dx())

	_, err = Decode([]byte{0xFF, 0xD8, 0xFF, 0xD9}, 250)
	assert.ErrorIs(t, err, types.ErrDecode)
}
