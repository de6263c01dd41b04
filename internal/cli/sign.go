package cli

import (
	"fmt"
	"os"

	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/signer"
	"github.com/ralt/resolvd/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewSignCmd creates the sign command
func NewSignCmd() *cobra.Command {
	var keyPath, passphrase, output, exportPublic string

	cmd := &cobra.Command{
		Use:   "sign <package>",
		Short: "Write a detached OpenPGP signature for a package",
		Long: `Signs a package file with an armored OpenPGP private key. The signature
is written next to the package with an .asc suffix, which is where the
loader looks for it when a keyring is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				return &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("--key is required")}
			}
			s, err := signer.NewGPGSigner(keyPath, passphrase)
			if err != nil {
				return &models.PackageError{Type: models.ErrConfigInvalid, Err: fmt.Errorf("failed to initialize GPG signer: %w", err)}
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return &models.PackageError{Type: models.ErrFileOp, Err: err}
			}
			sig, err := s.SignDetached(data)
			if err != nil {
				return &models.PackageError{Type: models.ErrFileOp, Err: fmt.Errorf("failed to sign %s: %w", args[0], err)}
			}

			if output == "" {
				output = args[0] + loader.SignatureSuffix
			}
			if err := utils.WriteFile(output, sig, 0644); err != nil {
				return &models.PackageError{Type: models.ErrFileOp, Err: err}
			}
			logrus.Infof("Wrote signature %s (sha256 %s)", output, utils.SHA256Hex(data))

			if exportPublic != "" {
				pub, err := s.GetPublicKey()
				if err != nil {
					return &models.PackageError{Type: models.ErrFileOp, Err: err}
				}
				if err := utils.WriteFile(exportPublic, pub, 0644); err != nil {
					return &models.PackageError{Type: models.ErrFileOp, Err: err}
				}
				logrus.Infof("Wrote public key %s", exportPublic)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "Path to the armored GPG private key")
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "GPG key passphrase")
	cmd.Flags().StringVar(&output, "output", "", "Signature path (default <package>.asc)")
	cmd.Flags().StringVar(&exportPublic, "export-public", "", "Also write the armored public key here")
	return cmd
}
