package main

import (
	"bytes"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"gameforge/pkg/config"
	"gameforge/pkg/logx"
)

// EnvPassword supplies the secrets password non-interactively.
const EnvPassword = "GAMEFORGE_PASSWORD"

const maxPasswordAttempts = 3

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Encrypt provider API keys from the environment into .gameforge/secrets.json.enc",
	Args:  cobra.NoArgs,
	RunE:  runLock,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Decrypt the secrets file and list the credentials it holds",
	Args:  cobra.NoArgs,
	RunE:  runUnlock,
}

func init() {
	rootCmd.AddCommand(lockCmd, unlockCmd)
}

// secretEnvVars are the credentials collected by `lock`.
//
//nolint:gochecknoglobals // static list
var secretEnvVars = []string{
	config.EnvAnthropicAPIKey,
	config.EnvOpenAIAPIKey,
	config.EnvGoogleAPIKey,
	config.EnvOllamaHost,
}

func runLock(cmd *cobra.Command, _ []string) error {
	secrets := make(map[string]string)
	for _, name := range secretEnvVars {
		if value := os.Getenv(name); value != "" {
			secrets[name] = value
		}
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no provider credentials found in the environment (set one of %v)", secretEnvVars)
	}

	password, err := newPassword()
	if err != nil {
		return err
	}
	if err := config.EncryptSecretsFile(projectDir, password, secrets); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %d secret(s) in %s\n", len(secrets), config.SecretsPath(projectDir))
	return nil
}

func runUnlock(cmd *cobra.Command, _ []string) error {
	if !config.SecretsFileExists(projectDir) {
		return fmt.Errorf("no secrets file at %s", config.SecretsPath(projectDir))
	}
	if err := unlockSecrets(); err != nil {
		return err
	}
	for _, name := range config.SecretNames() {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

// unlockSecrets decrypts the project secrets file, if one exists, and installs
// its values ahead of the environment. Missing files are not an error.
func unlockSecrets() error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}
	password := os.Getenv(EnvPassword)
	if password == "" {
		if !term.IsTerminal(syscall.Stdin) {
			logx.Warnf("Secrets file present but %s is unset and stdin is not a terminal; using environment credentials", EnvPassword)
			return nil
		}
		fmt.Fprint(os.Stderr, "Password for gameforge secrets: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// newPassword prompts for a password with confirmation. EnvPassword wins when set.
func newPassword() (string, error) {
	if password := os.Getenv(EnvPassword); password != "" {
		return password, nil
	}
	for attempt := 1; attempt <= maxPasswordAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "New password for gameforge secrets: ")
		first, err := term.ReadPassword(syscall.Stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		second, err := term.ReadPassword(syscall.Stdin)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		switch {
		case len(first) == 0:
			fmt.Fprintln(os.Stderr, "Password cannot be empty.")
		case !bytes.Equal(first, second):
			fmt.Fprintln(os.Stderr, "Passwords do not match.")
		default:
			return string(first), nil
		}
	}
	return "", fmt.Errorf("no matching password after %d attempts", maxPasswordAttempts)
}
