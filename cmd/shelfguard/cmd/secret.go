package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/internal/util"
)

var secretBytes int

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Master secret tools",
}

var secretGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a fresh base64 master secret for security.secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := generateSecret(secretBytes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	},
}

func generateSecret(n int) (string, error) {
	if n < keyring.MinSecretLength {
		return "", fmt.Errorf("secret must be at least %d bytes", keyring.MinSecretLength)
	}
	b, err := util.RandomBytes(n)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(b)
	return base64.StdEncoding.EncodeToString(b), nil
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretGenerateCmd)
	secretGenerateCmd.Flags().IntVar(&secretBytes, "bytes", 48, "Secret length in bytes")
}
