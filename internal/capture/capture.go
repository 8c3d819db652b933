// Package capture grabs JPEG frames from a camera or video through ffmpeg.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/faceverify/internal/event"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/andresmejia3/faceverify/internal/utils"
)

var log = event.Log

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// maxFrameSize bounds a single MJPEG frame held by the scanner.
const maxFrameSize = 32 * 1024 * 1024

// ErrStop can be returned by a frame callback to end capture early without error.
var ErrStop = errors.New("stop capture")

// Source describes an ffmpeg input.
type Source struct {
	Input     string // Device path, device index or video file.
	Format    string // ffmpeg input format such as v4l2 or avfoundation; empty for files.
	FrameRate int    // Requested device frame rate; zero leaves it to ffmpeg.
	Every     int    // Keep every Nth frame; values below 2 keep all.
}

// Args returns the ffmpeg arguments that write the input as MJPEG to stdout.
func (s Source) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if s.Format != "" {
		args = append(args, "-f", s.Format)
	}
	if s.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(s.FrameRate))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-i", s.Input, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// Frames starts ffmpeg and calls fn for each kept frame until limit frames were
// delivered (zero means no limit), the input ends, ctx is cancelled or fn
// returns an error.
func (s Source) Frames(ctx context.Context, limit int, fn func(index int, frame []byte) error) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := utils.NewSafeCommand(ctx, "ffmpeg", s.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Debugf("capture: ffmpeg %s", strings.Join(s.Args(), " "))

	_, early, readErr := readFrames(stdout, s.Every, limit, fn)

	// Stop ffmpeg if we quit before the input ended.
	if early || readErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case readErr != nil:
		return readErr
	case parent.Err() != nil:
		return parent.Err()
	case !early && waitErr != nil:
		return fmt.Errorf("ffmpeg: %w: %s", waitErr, strings.TrimSpace(cmd.Stderr.String()))
	}
	return nil
}

// ReadFrames splits an MJPEG stream and calls fn for every kept frame. It
// returns the number of frames delivered.
func ReadFrames(r io.Reader, every, limit int, fn func(index int, frame []byte) error) (int, error) {
	n, _, err := readFrames(r, every, limit, fn)
	return n, err
}

// readFrames also reports whether reading stopped before the stream ended.
func readFrames(r io.Reader, every, limit int, fn func(index int, frame []byte) error) (int, bool, error) {
	if every < 1 {
		every = 1
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameSize)
	scanner.Split(SplitJpeg)

	seen, delivered := 0, 0
	for scanner.Scan() {
		seen++
		if (seen-1)%every != 0 {
			continue
		}
		frame := append([]byte(nil), scanner.Bytes()...)
		if err := fn(delivered, frame); err != nil {
			if errors.Is(err, ErrStop) {
				return delivered, true, nil
			}
			return delivered, true, err
		}
		delivered++
		if limit > 0 && delivered >= limit {
			return delivered, true, nil
		}
	}
	return delivered, false, scanner.Err()
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// Decode decodes one frame and, when size is positive, crops the centred
// size x size square the way enrollment frames are framed.
func Decode(frame []byte, size int) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, &types.DecodeError{Ref: "frame", Err: err}
	}
	if size <= 0 {
		return img, nil
	}
	b := img.Bounds()
	side := min(size, b.Dx(), b.Dy())
	return imaging.CropCenter(img, side, side), nil
}
