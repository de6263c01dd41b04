package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ralt/resolvd/internal/models"
	"github.com/spf13/cobra"
)

// NewExecCmd creates the exec command
func NewExecCmd() *cobra.Command {
	var src models.Source
	var req models.Request
	var sourceFile string

	cmd := &cobra.Command{
		Use:   "exec <home|category|detail|playback|search|action>",
		Short: "Resolve one content request through the engine chain",
		Long: `Runs a content request for a source descriptor. The engines are tried in
an order derived from the descriptor; the first successful answer is printed.

Examples:
  resolvd exec home --key demo --api csp_Demo --jar https://example.com/spider.jar
  resolvd exec search --key demo --api https://example.com/demo.lua --wd matrix
  resolvd exec category --source site.json --tid 1 --pg 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := models.ParseOperation(args[0])
			if err != nil {
				return err
			}
			req.Op = op

			if sourceFile != "" {
				data, err := os.ReadFile(sourceFile)
				if err != nil {
					return &models.PackageError{Type: models.ErrFileOp, Err: err}
				}
				if err := json.Unmarshal(data, &src); err != nil {
					return &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("failed to parse %s: %w", sourceFile, err)}
				}
			}
			if src.Key == "" {
				return &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("a source key is required")}
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.dispatcher.ExecuteWithFallback(ctx, src, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceFile, "source", "", "JSON file holding the source descriptor")
	cmd.Flags().StringVar(&src.Key, "key", "", "Source key")
	cmd.Flags().StringVar(&src.Name, "name", "", "Source name")
	cmd.Flags().IntVar(&src.Type, "type", models.SourceTypeXML, "Source type (0, 1 or 3)")
	cmd.Flags().StringVar(&src.API, "api", "", "Resolver class, script url or api endpoint")
	cmd.Flags().StringVar(&src.Ext, "ext", "", "Extra configuration handed to the resolver")
	cmd.Flags().StringVar(&src.Jar, "jar", "", "Package url")

	cmd.Flags().BoolVar(&req.Filter, "filter", false, "Request filter data")
	cmd.Flags().StringVar(&req.CategoryID, "tid", "", "Category id")
	cmd.Flags().StringVar(&req.Page, "pg", "1", "Page")
	cmd.Flags().StringToStringVar(&req.Extend, "extend", nil, "Category filters (key=value)")
	cmd.Flags().StringSliceVar(&req.IDs, "ids", nil, "Detail ids")
	cmd.Flags().StringVar(&req.Flag, "flag", "", "Playback flag")
	cmd.Flags().StringVar(&req.ID, "id", "", "Playback id")
	cmd.Flags().StringSliceVar(&req.VipFlags, "vip-flags", nil, "Playback vip flags")
	cmd.Flags().StringVar(&req.Keyword, "wd", "", "Search keyword")
	cmd.Flags().BoolVar(&req.Quick, "quick", false, "Quick search")
	cmd.Flags().StringVar(&req.Action, "action", "", "Action payload")
	return cmd
}
