package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/condmarket/internal/config"
	"github.com/alanyoungcy/condmarket/internal/crypto"
)

// NewEncryptKeyCommand creates the encrypt-key command.
func NewEncryptKeyCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		out        string
		generate   bool
		iterations int
	)
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Write an encrypted operator key file",
		Long: `Encrypt an operator private key with a password. The key is read from
CONDMARKET_OPERATOR_PRIVATE_KEY (or generated with --generate) and the password
from CONDMARKET_OPERATOR_KEY_PASSWORD, so neither appears in shell history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv(config.EnvPrefix + "OPERATOR_KEY_PASSWORD")
			if password == "" {
				return errors.New("CONDMARKET_OPERATOR_KEY_PASSWORD is not set")
			}

			var signer *crypto.Signer
			var err error
			if generate {
				signer, err = crypto.GenerateSigner()
			} else {
				raw := os.Getenv(config.EnvPrefix + "OPERATOR_PRIVATE_KEY")
				if raw == "" {
					return errors.New("CONDMARKET_OPERATOR_PRIVATE_KEY is not set (or pass --generate)")
				}
				signer, err = crypto.NewSigner(raw)
			}
			if err != nil {
				return err
			}

			data, err := crypto.NewKeyManager(iterations).Encrypt(signer.PrivateKeyHex(), password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Format,
				map[string]string{"address": signer.Address().Hex(), "path": out},
				[]field{{"address", signer.Address().Hex()}, {"path", out}},
			)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "operator.key.json", "output file")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a fresh key instead of reading one")
	cmd.Flags().IntVar(&iterations, "iterations", crypto.DefaultIterations, "PBKDF2 iterations")
	return cmd
}
