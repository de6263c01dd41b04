package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralt/resolvd/internal/archive"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/security"
	"github.com/ralt/resolvd/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewPackCmd creates the pack command
func NewPackCmd() *cobra.Command {
	var formatName, output string

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Build a resolver package from a directory",
		Long: `Packs a directory of Lua resolver modules (<ClassName>.lua) and an
optional manifest.json into a package archive, then runs the quick
security gate over the result.

Formats: zip (written as .jar), tar, tar.gz, tar.zst, tar.xz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := archive.ParseFormat(formatName)
			if err != nil {
				return &models.PackageError{Type: models.ErrConfigInvalid, Err: err}
			}

			files, err := collectFiles(args[0])
			if err != nil {
				return &models.PackageError{Type: models.ErrFileOp, Err: err}
			}
			if len(files) == 0 {
				return models.NewError(models.ErrConfigInvalid, "", "%s holds no files", args[0])
			}

			data, err := archive.Build(format, files)
			if err != nil {
				return &models.PackageError{Type: models.ErrFileOp, Err: err}
			}

			if output == "" {
				output = filepath.Clean(args[0]) + packageExt(format)
			}
			if err := utils.WriteFile(output, data, 0644); err != nil {
				return &models.PackageError{Type: models.ErrFileOp, Err: err}
			}

			sum := utils.ChecksumBytes(data)
			logrus.Infof("Wrote %s (%d files, %s, sha256 %s)", output, len(files), formatSize(sum.Size), sum.SHA256)
			if result := security.NewValidator(security.Options{}).QuickCheck(data); result != models.ScanSafe {
				logrus.Warnf("Quick security check of %s: %s", output, result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&formatName, "format", "f", "zip", "Archive format")
	cmd.Flags().StringVar(&output, "output", "", "Package path (default <dir> plus the format extension)")
	return cmd
}

// collectFiles reads every regular file under dir keyed by its slash
// separated relative path. Hidden files and directories are skipped.
func collectFiles(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	return files, err
}

func packageExt(format archive.Format) string {
	if format == archive.FormatZip {
		return ".jar"
	}
	return "." + format.String()
}
