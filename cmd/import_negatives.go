package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/faceverify/internal/gallery"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/spf13/cobra"
)

var importLimit int

var importNegativesCmd = &cobra.Command{
	Use:   "import-negatives <root>",
	Short: "Flatten a labelled faces corpus (<root>/<person>/<image>) into the negative pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if _, err := os.Stat(args[0]); err != nil {
			return fmt.Errorf("corpus root: %w", err)
		}

		dst := cfg.PoolDir(types.Negative)
		fmt.Fprintf(os.Stderr, "📂 Importing %s into %s...\n", args[0], dst)
		n, err := gallery.ImportNegatives(args[0], dst, importLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✅ Imported %d new images\n", n)
		return nil
	},
}

func init() {
	importNegativesCmd.Flags().IntVar(&importLimit, "limit", 0, "Maximum number of images to import (0 = all)")
	rootCmd.AddCommand(importNegativesCmd)
}
