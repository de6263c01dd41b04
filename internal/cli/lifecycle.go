package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/manager"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/update"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type loadReport struct {
	Key        string                   `json:"key"`
	Status     models.PackageStatus     `json:"status"`
	Descriptor models.PackageDescriptor `json:"descriptor"`
	Security   models.SecurityInfo      `json:"security"`
	FromCache  bool                     `json:"from_cache"`
	Duration   string                   `json:"duration"`
}

// NewLoadCmd creates the load command
func NewLoadCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "load <key|url>",
		Short: "Download, scan and load a configured package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				key := a.configKey(args[0])
				res := a.manager.Load(ctx, key, force)
				success, ok := res.(manager.LoadSuccess)
				if !ok {
					return manager.Err(res)
				}

				report := loadReport{
					Key:        key,
					Status:     a.manager.Status(key),
					Descriptor: success.Descriptor,
					Security:   success.Security,
					FromCache:  success.FromCache,
					Duration:   success.Duration.String(),
				}
				return render(cmd, report, func(w io.Writer) {
					d := report.Descriptor
					fmt.Fprintf(w, "Package:\t%s\n", key)
					fmt.Fprintf(w, "Name:\t%s\n", d.Name)
					fmt.Fprintf(w, "Version:\t%s\n", d.Version)
					fmt.Fprintf(w, "Size:\t%s\n", formatSize(d.FileSize))
					fmt.Fprintf(w, "Resolvers:\t%s\n", strings.Join(d.Resolvers, ", "))
					fmt.Fprintf(w, "From cache:\t%v\n", report.FromCache)
					fmt.Fprintf(w, "Load time:\t%s\n", report.Duration)
					writeSecurity(w, report.Security)
				})
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Ignore the cache and download again")
	addOutputFlag(cmd)
	return cmd
}

// NewUnloadCmd creates the unload command
func NewUnloadCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "unload <key|url>",
		Short: "Unload a package, optionally dropping its cached bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				key := a.configKey(args[0])
				if _, ok := a.manager.Config(key); !ok {
					return models.NewError(models.ErrNotFound, key, "no such source")
				}
				if a.manager.Unload(key) {
					logrus.Infof("Unloaded %s", key)
				} else {
					logrus.Debugf("%s was not loaded", key)
				}
				if purge && a.cache.Remove(key) {
					logrus.Infof("Removed cached package %s", key)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also remove the package from the cache")
	return cmd
}

// NewScanCmd creates the scan command
func NewScanCmd() *cobra.Command {
	var sigPath, sourceURL string

	cmd := &cobra.Command{
		Use:   "scan <file|url>",
		Short: "Run the security scan over a package or script",
		Long: `Scans a package archive or a standalone Lua script without loading it.
Packages are checked for path traversal, native payloads and dangerous
symbols; a detached signature is verified when a keyring is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				target := args[0]
				remote := strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
				if sourceURL == "" && remote {
					sourceURL = target
				}

				data, err := readTarget(ctx, a, target, remote)
				if err != nil {
					return &models.PackageError{Type: models.ErrDownloadFailed, Err: err}
				}

				var info models.SecurityInfo
				if strings.HasSuffix(strings.ToLower(target), ".lua") {
					info = a.validator.ScanScript(target, data, sourceURL)
				} else {
					var sig []byte
					switch {
					case sigPath != "":
						if sig, err = os.ReadFile(sigPath); err != nil {
							return &models.PackageError{Type: models.ErrFileOp, Err: err}
						}
					case remote && a.validator.HasVerifier():
						if sig, err = a.client.Get(ctx, target+loader.SignatureSuffix); err != nil {
							logrus.Debugf("No signature for %s: %v", target, err)
						}
					}
					info = a.validator.ValidateSigned(data, sig, sourceURL)
				}

				if err := render(cmd, info, func(w io.Writer) { writeSecurity(w, info) }); err != nil {
					return err
				}
				if info.Result == models.ScanDangerous {
					return models.NewError(models.ErrValidationFailed, target, "scan verdict is %s", info.Result)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&sigPath, "signature", "s", "", "Detached OpenPGP signature file")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "URL used for the trusted-domain check")
	addOutputFlag(cmd)
	return cmd
}

func readTarget(ctx context.Context, a *app, target string, remote bool) ([]byte, error) {
	if remote {
		return a.client.Get(ctx, target)
	}
	return os.ReadFile(target)
}

func writeSecurity(w io.Writer, info models.SecurityInfo) {
	fmt.Fprintf(w, "Result:\t%s\n", info.Result)
	fmt.Fprintf(w, "Risk score:\t%d\n", info.RiskScore)
	fmt.Fprintf(w, "Trusted:\t%v\n", info.Trusted)
	fmt.Fprintf(w, "Checksum:\t%s\n", info.Checksum)
	fmt.Fprintf(w, "Signature:\t%s\n", orDash(info.Signature))
	fmt.Fprintf(w, "Capabilities:\t%s\n", orDash(strings.Join(info.Capabilities, ", ")))
	for _, v := range info.Violations {
		fmt.Fprintf(w, "Violation:\t%s\n", v)
	}
}

// NewCheckCmd creates the check command
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [key|url]",
		Short: "Check for newer package versions",
		Long: `Checks one source, or every enabled auto-update source when no argument
is given, against the release API, a version.json sidecar and the file
headers, in that order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var infos []models.UpdateInfo
				errs := make(map[string]error)

				if len(args) == 1 {
					key := a.configKey(args[0])
					cfg, ok := a.manager.Config(key)
					if !ok {
						return models.NewError(models.ErrNotFound, key, "no such source")
					}
					info, err := a.updater.CheckUpdate(ctx, key, cfg)
					if err != nil {
						return err
					}
					infos = append(infos, *info)
				} else {
					infos, errs = a.updater.CheckAllUpdates(ctx)
				}

				sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
				for key, err := range errs {
					logrus.Warnf("Update check for %s failed: %v", key, err)
				}
				return render(cmd, infos, func(w io.Writer) {
					fmt.Fprintln(w, "KEY\tCURRENT\tLATEST\tAVAILABLE\tSIZE\tSTRATEGY")
					for _, info := range infos {
						fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
							info.Key, orDash(info.CurrentVersion), orDash(info.LatestVersion),
							info.UpdateAvailable, formatSize(info.UpdateSize), info.Strategy)
					}
				})
			})
		},
	}
	addOutputFlag(cmd)
	return cmd
}

// NewUpdateCmd creates the update command
func NewUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <key|url>",
		Short: "Update a package to its latest version",
		Long: `Loads the current version, checks for a newer one and swaps it in. If the
new version fails to load the previous one is restored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				key := a.configKey(args[0])
				if _, ok := a.manager.Config(key); !ok {
					return models.NewError(models.ErrNotFound, key, "no such source")
				}
				// Loading first gives the update a version to fall back to
				if err := manager.Err(a.manager.Load(ctx, key, false)); err != nil {
					logrus.Warnf("Current version of %s could not be loaded: %v", key, err)
				}

				out := cmd.OutOrStdout()
				switch res := a.updater.Update(ctx, key).(type) {
				case update.Success:
					fmt.Fprintf(out, "%s updated from %s to %s\n", key, orDash(res.FromVersion), res.Descriptor.Version)
				case update.UpToDate:
					fmt.Fprintf(out, "%s is up to date (%s)\n", key, orDash(res.Info.CurrentVersion))
				case update.Failure:
					if res.RolledBack {
						fmt.Fprintf(out, "%s update failed, previous version restored\n", key)
					}
					return res.Err
				}
				return nil
			})
		},
	}
}
