package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/faceverify/internal/capture"
	"github.com/andresmejia3/faceverify/internal/gallery"
	"github.com/andresmejia3/faceverify/internal/model"
	"github.com/andresmejia3/faceverify/internal/preprocess"
	"github.com/andresmejia3/faceverify/internal/verify"
	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// errUnverified makes the process exit with status 2 without an error box.
var errUnverified = errors.New("not verified")

// VerifyOptions configures a single verification.
type VerifyOptions struct {
	Model        string
	Input        string
	Gallery      string
	Detection    float64
	Verification float64
	Capture      bool
	Audit        bool
	Verbose      bool
}

var verifyOpts VerifyOptions

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Decide whether the input image shows the enrolled person",
	Long: `Scores the input image against every image of the verification gallery.
A gallery image is a detection when its score exceeds the detection threshold;
the person is verified when the share of detections exceeds the verification threshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := verifyOpts
		applyVerifyDefaults(cmd, &opts)
		if err := verify.ValidateThresholds(opts.Detection, opts.Verification); err != nil {
			return err
		}

		res, err := runVerify(cmd.Context(), opts)
		if err != nil {
			return err
		}
		printResult(res, opts)
		if !res.Verified {
			return errUnverified
		}
		return nil
	},
}

var historyLimit int

var verifyHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent audited verifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := db.RecentVerifications(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No verifications recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWHEN\tINPUT\tDETECTIONS\tRATIO\tVERIFIED")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%.3f\t%t\n",
				e.ID, humanize.Time(e.CreatedAt), filepath.Base(e.LiveRef), e.Detections, e.Gallery, e.Ratio, e.Verified)
		}
		return w.Flush()
	},
}

func init() {
	f := verifyCmd.Flags()
	f.StringVarP(&verifyOpts.Model, "model", "m", "", "Model bundle path (default from config)")
	f.StringVarP(&verifyOpts.Input, "input", "i", "", "Input image to verify (default from config)")
	f.StringVarP(&verifyOpts.Gallery, "gallery", "g", "", "Directory of verification images (default from config)")
	f.Float64Var(&verifyOpts.Detection, "detection", verify.DefaultDetection, "Score above which a gallery image counts as a detection")
	f.Float64Var(&verifyOpts.Verification, "verification", verify.DefaultVerification, "Share of detections above which the person is verified")
	f.BoolVar(&verifyOpts.Capture, "capture", false, "Capture the input image from the camera first")
	f.BoolVar(&verifyOpts.Audit, "audit", false, "Record the outcome in PostgreSQL")
	f.BoolVarP(&verifyOpts.Verbose, "verbose", "v", false, "Print every gallery score")

	verifyHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show")
	verifyCmd.AddCommand(verifyHistoryCmd)
	rootCmd.AddCommand(verifyCmd)
}

func applyVerifyDefaults(cmd *cobra.Command, opts *VerifyOptions) {
	v := cfg.Verify
	if opts.Model == "" {
		opts.Model = cfg.Train.ModelPath
	}
	if opts.Input == "" {
		opts.Input = v.InputPath
	}
	if opts.Gallery == "" {
		opts.Gallery = v.GalleryDir
	}
	if !cmd.Flags().Changed("detection") && v.DetectionThreshold != 0 {
		opts.Detection = v.DetectionThreshold
	}
	if !cmd.Flags().Changed("verification") && v.VerificationThreshold != 0 {
		opts.Verification = v.VerificationThreshold
	}
	if !cmd.Flags().Changed("audit") {
		opts.Audit = v.Audit
	}
}

func runVerify(ctx context.Context, opts VerifyOptions) (verify.Result, error) {
	if opts.Capture {
		if err := captureInput(ctx, opts.Input); err != nil {
			return verify.Result{}, err
		}
	}

	refs, err := gallery.Dir{Path: opts.Gallery}.Refs()
	if err != nil {
		return verify.Result{}, err
	}
	m, _, err := model.LoadFile(opts.Model)
	if err != nil {
		return verify.Result{}, err
	}

	fmt.Fprintf(os.Stderr, "🔍 Verifying %s against %d gallery images...\n", opts.Input, len(refs))
	res, err := verify.New(preprocess.New(), m).Verify(ctx, opts.Input, refs, opts.Detection, opts.Verification)
	if err != nil {
		return verify.Result{}, err
	}

	if opts.Audit {
		db, err := openDB(ctx)
		if err != nil {
			return res, err
		}
		id, err := db.RecordVerification(ctx, opts.Input, res, opts.Detection, opts.Verification)
		if err != nil {
			return res, fmt.Errorf("record verification: %w", err)
		}
		fmt.Fprintf(os.Stderr, "📝 Recorded as audit entry %d\n", id)
	}
	return res, nil
}

// captureInput grabs one frame from the configured camera into path.
func captureInput(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	src := capture.Source{Input: cfg.Capture.Device, Format: cfg.Capture.Format, FrameRate: cfg.Capture.FrameRate}
	fmt.Fprintf(os.Stderr, "📷 Capturing input from %s...\n", src.Input)

	got := false
	err := src.Frames(ctx, 1, func(_ int, frame []byte) error {
		img, err := capture.Decode(frame, cfg.Capture.Crop)
		if err != nil {
			return err
		}
		got = true
		return imaging.Save(img, path, imaging.JPEGQuality(95))
	})
	if err != nil {
		return fmt.Errorf("capture input: %w", err)
	}
	if !got {
		return fmt.Errorf("capture input: camera produced no frames")
	}
	return nil
}

func printResult(res verify.Result, opts VerifyOptions) {
	if opts.Verbose {
		for i, s := range res.Scores {
			fmt.Printf("  %3d  %.4f\n", i, s)
		}
	}
	fmt.Printf("Detections: %d/%d (threshold %.2f)\n", res.Detections, len(res.Scores), opts.Detection)
	fmt.Printf("Ratio:      %.3f (threshold %.2f)\n", res.Ratio, opts.Verification)
	fmt.Printf("Mean score: %.4f\n", res.Mean())
	if res.Verified {
		fmt.Println("✅ Verified")
	} else {
		fmt.Println("❌ Unverified")
	}
}
