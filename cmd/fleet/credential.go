package main

import (
	"fmt"
	"io"
	"os"

	"github.com/lyndonlyu/fleet/internal/credential"
	"github.com/spf13/cobra"
)

var credentialKeyFile string

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Node credential envelopes",
}

var credentialEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a private key into an envelope (reads stdin without --key-file)",
	RunE:  runCredentialEncrypt,
}

func init() {
	credentialEncryptCmd.Flags().StringVar(&credentialKeyFile, "key-file", "", "Private key file")
	credentialCmd.AddCommand(credentialEncryptCmd)
	rootCmd.AddCommand(credentialCmd)
}

func runCredentialEncrypt(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	box, err := a.box()
	if err != nil {
		return err
	}

	var plain []byte
	if credentialKeyFile != "" {
		plain, err = os.ReadFile(credentialKeyFile)
	} else {
		plain, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	defer credential.Wipe(plain)
	if len(plain) == 0 {
		return fmt.Errorf("empty key")
	}

	envelope, err := box.Encrypt(plain)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), envelope)
	return nil
}
