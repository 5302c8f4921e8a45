package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/store"
	"github.com/mtzanidakis/deepr/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// list and delete never touch plaintext.
	switch args[0] {
	case "list":
		return vaultList(os.Stdout, db)
	case "delete":
		return vaultDelete(os.Stdout, db, args[1:])
	}

	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("DEEPR_VAULT_PASSPHRASE environment variable is required")
	}
	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return err
	}

	switch args[0] {
	case "set":
		return vaultSet(os.Stdout, db, v, args[1:])
	case "get":
		return vaultGet(os.Stdout, db, v, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: deepr vault <command>

Commands:
  list                                             List all secrets (metadata only)
  set <name> --value <str> [--description <text>]  Store a string secret
  set <name> --file <path> [--description <text>]  Store a file secret
  get <name>                                       Retrieve and decrypt a secret
  delete <name>                                    Delete a secret

Config values of the form secret:<name> are resolved from the vault.

Environment:
  DEEPR_VAULT_PASSPHRASE                           Required for set and get.
`)
}

func vaultList(w io.Writer, db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Fprintln(w, "No secrets stored.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Kind, s.Description, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func vaultSet(w io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: deepr vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	sec := &store.Secret{Name: args[0], Kind: "string"}
	var value []byte

	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
		sec.Kind = "file"
		sec.Filename = filepath.Base(args[2])
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			sec.Description = args[i+1]
			break
		}
	}

	if err := v.Put(db, sec, value); err != nil {
		return err
	}
	fmt.Fprintf(w, "Secret %q saved (%s)\n", sec.Name, sec.Kind)
	return nil
}

func vaultGet(w io.Writer, db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: deepr vault get <name>")
	}

	sec, err := db.GetSecretByName(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Open(sec.Name, sec.Value, sec.Nonce)
	if err != nil {
		return err
	}

	if sec.Kind == "file" {
		fmt.Fprintf(w, "File: %s\n", sec.Filename)
	}
	fmt.Fprint(w, string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Fprintln(w)
	}
	return nil
}

func vaultDelete(w io.Writer, db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: deepr vault delete <name>")
	}
	sec, err := db.GetSecretByName(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}
	if err := db.DeleteSecret(sec.ID); err != nil {
		return err
	}
	fmt.Fprintf(w, "Secret %q deleted\n", args[0])
	return nil
}
