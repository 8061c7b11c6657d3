package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kazoe/kazad/pkg/config"
	"github.com/kazoe/kazad/pkg/pki"
)

var provisionForce bool

var provisionCmd = &cobra.Command{
	Use:   "provision <username>",
	Short: "Issue client credentials for a user",
	Long: `Mint a client certificate and key for a user without going through
the control port. The files are written next to the server credentials,
where the control service will pick them up for later clientconf?
requests.

Examples:
  # Issue credentials for alice (reuses existing files)
  kazad provision alice

  # Reissue even if credentials already exist
  kazad provision alice --force`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().BoolVar(&provisionForce, "force", false,
		"Reissue credentials even if they already exist")
}

func runProvision(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	authority := pki.NewAuthority(cfg.Storage.Path, cfg.SSL.Hostname, cfg.SSL.KeyPassword)
	if err := authority.EnsureServerCredentials(); err != nil {
		return fmt.Errorf("failed to prepare server credentials: %w", err)
	}

	if provisionForce {
		if err := authority.GenerateClientCertificate(username); err != nil {
			return fmt.Errorf("failed to issue credentials for %q: %w", username, err)
		}
	} else {
		if _, _, err := authority.EnsureClientCredentials(username); err != nil {
			return fmt.Errorf("failed to issue credentials for %q: %w", username, err)
		}
	}

	fmt.Printf("Credentials for %s:\n", username)
	fmt.Printf("  Certificate: %s\n", authority.ClientCertPath(username))
	fmt.Printf("  Key:         %s\n", authority.ClientKeyPath(username))
	return nil
}
