package commands

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dataDir    string
	passphrase string
)

// Execute runs the CLI. Configuration comes from flags first, then
// KEX_-prefixed environment variables (a local .env file is honored).
func Execute() error {
	root := &cobra.Command{
		Use:   "kex",
		Short: "Key exchange request protocol CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; the environment may be set directly.
			_ = godotenv.Load()

			if level := os.Getenv("KEX_LOG_LEVEL"); level != "" {
				parsed, err := logrus.ParseLevel(level)
				if err != nil {
					return err
				}
				logrus.SetLevel(parsed)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}

			if dataDir == "" {
				dataDir = os.Getenv("KEX_DATA_DIR")
			}
			if dataDir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(home, ".kex")
			}
			if passphrase == "" {
				passphrase = os.Getenv("KEX_PASSPHRASE")
			}
			return os.MkdirAll(dataDir, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "state directory (default $KEX_DATA_DIR or ~/.kex)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing key material at rest (default $KEX_PASSPHRASE)")

	root.AddCommand(identityCmd(), demoCmd())
	return root.Execute()
}
