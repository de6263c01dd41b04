package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/ralt/resolvd/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewCacheCmd creates the cache command group
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the package cache",
	}
	cmd.AddCommand(newCacheStatsCmd(), newCacheClearCmd(), newCacheSweepCmd(), newCacheVerifyCmd())
	return cmd
}

type cacheReport struct {
	Stats   models.CacheStats   `json:"stats"`
	Entries []models.CacheEntry `json:"entries"`
}

func newCacheStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage and entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report := cacheReport{Stats: a.cache.Stats()}
				for _, e := range a.cache.Entries() {
					report.Entries = append(report.Entries, e)
				}
				sort.Slice(report.Entries, func(i, j int) bool {
					return report.Entries[i].LastAccess.After(report.Entries[j].LastAccess)
				})

				return render(cmd, report, func(w io.Writer) {
					s := report.Stats
					fmt.Fprintf(w, "Entries:\t%d\n", s.Entries)
					fmt.Fprintf(w, "Size:\t%s of %s (%.1f%%)\n", formatSize(s.Bytes), formatSize(s.MaxBytes), s.UsagePercent)
					fmt.Fprintf(w, "Hit rate:\t%.1f%% (%d hits, %d misses)\n", s.HitRate*100, s.Hits, s.Misses)
					fmt.Fprintf(w, "Evictions:\t%d\n", s.Evictions)
					if len(report.Entries) == 0 {
						return
					}
					fmt.Fprintln(w)
					fmt.Fprintln(w, "KEY\tNAME\tVERSION\tSIZE\tACCESSES\tLAST ACCESS")
					for _, e := range report.Entries {
						d := e.Descriptor
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
							d.Key, d.Name, d.Version, formatSize(e.FileSize), e.AccessCount, formatTime(e.LastAccess))
					}
				})
			})
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n := a.cache.Stats().Entries
				if !a.cache.Clear() {
					return models.NewError(models.ErrFileOp, "", "some cached files could not be removed")
				}
				logrus.Infof("Removed %d cached packages", n)
				return nil
			})
		},
	}
}

func newCacheSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove cached packages past the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n := a.cache.Sweep()
				logrus.Infof("Swept %d expired packages (retention %s)", n, a.settings.Retention)
				return nil
			})
		},
	}
}

func newCacheVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check cached files against their recorded checksums",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				dropped := a.cache.Verify()
				for _, key := range dropped {
					fmt.Fprintln(cmd.OutOrStdout(), key)
				}
				logrus.Infof("Verified cache, dropped %d damaged packages", len(dropped))
				return nil
			})
		},
	}
}
