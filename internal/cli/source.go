package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/ralt/resolvd/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewSourceCmd creates the source command group
func NewSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage configured package sources",
	}
	cmd.AddCommand(newSourceAddCmd(), newSourceRemoveCmd(), newSourceListCmd())
	return cmd
}

func newSourceAddCmd() *cobra.Command {
	var cfg models.PackageConfig
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Add a package source",
		Long: `Adds a package source and persists it. Enabled sources are downloaded,
scanned and loaded right away.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.URL = args[0]
			cfg.Enabled = !disabled
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stored, err := a.manager.AddConfig(ctx, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), stored.Key)
				if stored.Enabled && a.manager.Status(stored.Key) != models.StatusLoaded {
					return models.NewError(models.ErrLoadFailed, stored.Key, "source was added but could not be loaded")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&cfg.Key, "key", "", "Package key (derived from the url by default)")
	cmd.Flags().StringVar(&cfg.Name, "name", "", "Display name")
	cmd.Flags().IntVar(&cfg.Priority, "priority", 0, "Priority, higher first")
	cmd.Flags().BoolVar(&cfg.AutoUpdate, "auto-update", false, "Apply newer versions automatically")
	cmd.Flags().DurationVar(&cfg.UpdateInterval, "update-interval", 0, "Per-source update check interval")
	cmd.Flags().StringToStringVar(&cfg.Metadata, "meta", nil, "Free-form metadata (key=value)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Add the source disabled")
	return cmd
}

func newSourceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <key|url>",
		Aliases: []string{"rm"},
		Short:   "Remove a package source",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				key := a.configKey(args[0])
				if !a.manager.RemoveConfig(ctx, key) {
					return models.NewError(models.ErrNotFound, key, "no such source")
				}
				logrus.Infof("Removed source %s", key)
				return nil
			})
		},
	}
}

type sourceRow struct {
	Config  models.PackageConfig `json:"config"`
	Cached  bool                 `json:"cached"`
	Version string               `json:"version,omitempty"`
}

func newSourceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List package sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rows := sourceRows(a)
				return render(cmd, rows, func(w io.Writer) {
					if len(rows) == 0 {
						fmt.Fprintln(w, "No sources configured. Use 'resolvd source add <url>' to add one.")
						return
					}
					fmt.Fprintln(w, "KEY\tNAME\tENABLED\tAUTO-UPDATE\tPRIORITY\tCACHED\tURL")
					for _, r := range rows {
						cached := "-"
						if r.Cached {
							cached = r.Version
						}
						fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%d\t%s\t%s\n",
							r.Config.Key, r.Config.Name, r.Config.Enabled, r.Config.AutoUpdate,
							r.Config.Priority, cached, r.Config.URL)
					}
				})
			})
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func sourceRows(a *app) []sourceRow {
	configs := a.manager.Configs()
	rows := make([]sourceRow, 0, len(configs))
	for _, cfg := range configs {
		row := sourceRow{Config: cfg}
		if entry, ok := a.cache.Entry(cfg.Key); ok {
			row.Cached = true
			row.Version = entry.Descriptor.Version
		}
		rows = append(rows, row)
	}
	return rows
}
