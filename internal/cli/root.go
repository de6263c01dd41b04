package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "resolvd",
		Short: "Fetch, verify and run content resolver packages",
		Long: `Resolvd manages remotely hosted resolver packages: it downloads them,
scans them before anything runs, caches them on disk, keeps them up to date
and serves content requests through a chain of resolution engines.

Engines:
  - package  (Lua resolver classes inside a downloaded package)
  - script   (standalone Lua resolver scripts)
  - markup   (CSS selector rules over HTML pages)`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Settings file (default ./resolvd.yaml)")
	rootCmd.PersistentFlags().String("cache-dir", "", "Override the package cache directory")

	rootCmd.AddCommand(NewSourceCmd())
	rootCmd.AddCommand(NewLoadCmd())
	rootCmd.AddCommand(NewUnloadCmd())
	rootCmd.AddCommand(NewScanCmd())
	rootCmd.AddCommand(NewCheckCmd())
	rootCmd.AddCommand(NewUpdateCmd())
	rootCmd.AddCommand(NewCacheCmd())
	rootCmd.AddCommand(NewExecCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewSignCmd())
	rootCmd.AddCommand(NewPackCmd())

	return rootCmd
}
