package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"appbuilder/pkg/config"
)

// passwordEnv allows passwordless startup when a secrets file exists.
const passwordEnv = "APPBUILDER_PASSWORD"

// readPassword prompts without echo. Tests replace it.
//
//nolint:gochecknoglobals // swapped in tests
var readPassword = func(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s is not set and stdin is not a terminal", passwordEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(b)
	return string(b), nil
}

func secretsPassword(confirm bool) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	pw, err := readPassword("Secrets password: ")
	if err != nil {
		return "", err
	}
	if confirm {
		again, err := readPassword("Confirm password: ")
		if err != nil {
			return "", err
		}
		if pw != again {
			return "", errors.New("passwords do not match")
		}
	}
	return pw, nil
}

// loadSecrets decrypts the secrets file into memory when one exists.
// Without a file, credentials come from the environment.
func loadSecrets(cfg *config.Config) error {
	if !config.SecretsFileExists(cfg.StateDir) {
		return nil
	}
	pw, err := secretsPassword(false)
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(cfg.StateDir, pw)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// runSecrets implements "secrets set NAME" (value read from stdin) and "secrets list".
func runSecrets(cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: secrets set <NAME> | secrets list")
	}

	switch args[0] {
	case "list":
		if err := loadSecrets(cfg); err != nil {
			return err
		}
		names := config.SecretNames()
		if len(names) == 0 {
			fmt.Fprintln(out, "No stored secrets")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
		return nil

	case "set":
		if len(args) != 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New("usage: secrets set <NAME>")
		}
		return setSecret(cfg, args[1], os.Stdin, out)

	default:
		return fmt.Errorf("unknown secrets command %q", args[0])
	}
}

func setSecret(cfg *config.Config, name string, in io.Reader, out io.Writer) error {
	existing := map[string]string{}
	exists := config.SecretsFileExists(cfg.StateDir)
	pw, err := secretsPassword(!exists)
	if err != nil {
		return err
	}
	if exists {
		existing, err = config.DecryptSecretsFile(cfg.StateDir, pw)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Enter value for %s: ", name)
	raw, err := io.ReadAll(io.LimitReader(in, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return fmt.Errorf("empty value for %s", name)
	}
	existing[name] = value

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := config.EncryptSecretsFile(cfg.StateDir, pw, existing); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n✅ Stored %s in %s\n", name, config.SecretsFilePath(cfg.StateDir))
	return nil
}
