package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/faceverify/internal/capture"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// CollectOptions configures frame collection into a pool.
type CollectOptions struct {
	Pool      string
	Count     int
	Every     int
	Input     string
	Format    string
	FrameRate int
	Crop      int
}

var collectOpts CollectOptions

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Capture frames from a camera or video into the anchor or positive pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := collectOpts
		applyCaptureDefaults(cmd, &opts)
		if err := validateCollectFlags(&opts); err != nil {
			return err
		}
		return runCollect(cmd.Context(), opts)
	},
}

func init() {
	collectCmd.Flags().StringVarP(&collectOpts.Pool, "pool", "p", string(types.Anchor), "Target pool (anchor or positive)")
	collectCmd.Flags().IntVarP(&collectOpts.Count, "count", "n", 300, "Number of frames to store")
	collectCmd.Flags().IntVar(&collectOpts.Every, "every", 1, "Keep every Nth frame")
	collectCmd.Flags().StringVarP(&collectOpts.Input, "input", "i", "", "Camera device or video file (default from config)")
	collectCmd.Flags().StringVar(&collectOpts.Format, "format", "", "ffmpeg input format, e.g. v4l2 or avfoundation (default from config)")
	collectCmd.Flags().IntVar(&collectOpts.FrameRate, "frame-rate", 0, "Requested camera frame rate")
	collectCmd.Flags().IntVar(&collectOpts.Crop, "crop", 0, "Centre crop size in pixels (default from config, negative disables)")
	rootCmd.AddCommand(collectCmd)
}

// applyCaptureDefaults fills capture settings the user did not pass from cfg.
func applyCaptureDefaults(cmd *cobra.Command, opts *CollectOptions) {
	if !cmd.Flags().Changed("input") {
		opts.Input = cfg.Capture.Device
		if !cmd.Flags().Changed("format") {
			opts.Format = cfg.Capture.Format
		}
	}
	if !cmd.Flags().Changed("frame-rate") {
		opts.FrameRate = cfg.Capture.FrameRate
	}
	if !cmd.Flags().Changed("crop") {
		opts.Crop = cfg.Capture.Crop
	}
}

func validateCollectFlags(opts *CollectOptions) error {
	switch types.PoolName(opts.Pool) {
	case types.Anchor, types.Positive:
	default:
		return fmt.Errorf("pool must be %q or %q, got %q", types.Anchor, types.Positive, opts.Pool)
	}
	if opts.Count < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if opts.Every < 1 {
		opts.Every = 1
	}
	if opts.Input == "" {
		return fmt.Errorf("no capture input configured")
	}
	return nil
}

func runCollect(ctx context.Context, opts CollectOptions) error {
	dir := cfg.PoolDir(types.PoolName(opts.Pool))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	src := capture.Source{Input: opts.Input, Format: opts.Format, FrameRate: opts.FrameRate, Every: opts.Every}
	fmt.Fprintf(os.Stderr, "📷 Capturing %d frames from %s into %s\n", opts.Count, opts.Input, dir)

	bar := progressbar.NewOptions(opts.Count,
		progressbar.OptionSetDescription("📸 Collecting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	saved := 0
	err := src.Frames(ctx, opts.Count, func(_ int, frame []byte) error {
		img, err := capture.Decode(frame, opts.Crop)
		if err != nil {
			return err
		}
		name := filepath.Join(dir, uuid.NewString()+".jpg")
		if err := imaging.Save(img, name, imaging.JPEGQuality(95)); err != nil {
			return fmt.Errorf("save %s: %w", filepath.Base(name), err)
		}
		saved++
		bar.Add(1)
		return nil
	})
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return fmt.Errorf("capture stopped after %d frames: %w", saved, err)
	}
	fmt.Fprintf(os.Stderr, "✅ Stored %d frames in %s\n", saved, dir)
	return nil
}
