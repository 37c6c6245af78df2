package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opd-ai/kex/crypto"
	"github.com/opd-ai/kex/identity"
)

const keyFile = "identity.key"

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local identity",
	}
	cmd.AddCommand(identityNewCmd(), identityShowCmd(), identityValidateCmd())
	return cmd
}

func identityNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Generate a fresh identity and print its session ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(dataDir, keyFile)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("identity already exists at %s", path)
			}

			vault, err := openVault()
			if err != nil {
				return err
			}
			defer vault.Wipe()

			id, err := identity.Generate()
			if err != nil {
				return err
			}

			sealed, err := vault.Seal(id.PrivateKey[:])
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, sealed, 0o600); err != nil {
				return err
			}

			fmt.Printf("Session ID: %s\n", id.SessionID())
			fmt.Printf("Sealed key saved to %s\n", path)
			return nil
		},
	}
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the session ID of the saved identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			fmt.Printf("Session ID: %s\n", id.SessionID())
			return nil
		},
	}
}

func identityValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <session-id>",
		Short: "Check a session ID's format and checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !identity.ValidateSessionID(args[0]) {
				return fmt.Errorf("invalid session ID")
			}
			fmt.Println("valid")
			return nil
		},
	}
}

// openVault derives the at-rest sealing key for the data directory.
func openVault() (*crypto.KeyVault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("a passphrase is required, pass --passphrase or set KEX_PASSPHRASE")
	}
	return crypto.OpenKeyVault(dataDir, []byte(passphrase))
}

func loadIdentity() (*identity.Identity, error) {
	sealed, err := os.ReadFile(filepath.Join(dataDir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("no identity found, run 'kex identity new' first: %w", err)
	}

	vault, err := openVault()
	if err != nil {
		return nil, err
	}
	defer vault.Wipe()

	raw, err := vault.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("could not unseal identity key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("malformed identity key file")
	}

	var secret [32]byte
	copy(secret[:], raw)
	crypto.ZeroBytes(raw)
	return identity.FromSecretKey(secret)
}
