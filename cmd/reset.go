package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/spf13/cobra"
)

var (
	resetDatabase    bool
	resetCheckpoints bool
	resetPools       bool
	resetYes         bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Checkpoints, Sample Pools)",
	Long:  "Clears stored state. By default it clears the database and checkpoints. Sample pools are only removed with --pools.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, clear everything that training regenerates
		if !resetDatabase && !resetCheckpoints && !resetPools {
			resetDatabase = true
			resetCheckpoints = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDatabase {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				db, err := openDB(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println("🗑️  Clearing Database...")
				if err := db.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("failed to reset database: %w", err)
				}
			}
		}

		if resetCheckpoints {
			if confirm(reader, "⚠️  Are you sure you want to delete all training checkpoints?") {
				fmt.Println("🗑️  Clearing Checkpoints...")
				removeDir(cfg.Train.CheckpointDir)
			}
		}

		if resetPools {
			if confirm(reader, "⚠️  Are you sure you want to delete the anchor, positive and negative images?") {
				fmt.Println("🗑️  Clearing Sample Pools...")
				for _, p := range []types.PoolName{types.Anchor, types.Positive, types.Negative} {
					removeDir(cfg.PoolDir(p))
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDatabase, "database", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetCheckpoints, "checkpoints", false, "Clear training checkpoints")
	resetCmd.Flags().BoolVar(&resetPools, "pools", false, "Clear the collected and imported sample pools")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
