package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/mailrelay/internal/credential"
	"github.com/nhle/mailrelay/internal/model"
)

func newHashPasswordCommand(configPath *string) *cobra.Command {
	var (
		password    string
		cost        int
		toKeyring   bool
		keyringKey  string
		writeConfig bool
	)

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash the password clients must present",
		Long: "hash-password prints a bcrypt hash of the relay password. With " +
			"--keyring it stores the hash in the OS keyring instead, and with " +
			"--write-config it records the result in the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				var err error
				if password, err = promptPassword(); err != nil {
					return err
				}
			}

			hash, err := credential.HashPassword(password, cost)
			if err != nil {
				return err
			}

			if !toKeyring && !writeConfig {
				fmt.Fprintln(cmd.OutOrStdout(), hash)
				return nil
			}

			cfg, err := model.LoadConfig(*configPath)
			if err != nil {
				return err
			}

			if toKeyring {
				if keyringKey == "" {
					keyringKey = cfg.Auth.KeyringKey
				}
				if keyringKey == "" {
					return errors.New("--keyring needs --keyring-key or auth.keyring_key")
				}

				ring, err := credential.OpenKeyring()
				if err != nil {
					return err
				}
				if err := credential.StoreHash(ring, keyringKey, hash); err != nil {
					return err
				}
				cfg.Auth.KeyringKey = keyringKey
				cfg.Auth.PasswordHash = ""
				fmt.Fprintf(cmd.OutOrStdout(), "Stored password hash in keyring entry %q\n", keyringKey)
			} else {
				cfg.Auth.PasswordHash = hash
			}

			if writeConfig {
				if err := model.SaveConfig(*configPath, cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", *configPath)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "password to hash (prompted when empty)")
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the default)")
	cmd.Flags().BoolVar(&toKeyring, "keyring", false, "store the hash in the OS keyring")
	cmd.Flags().StringVar(&keyringKey, "keyring-key", "", "keyring entry name (defaults to auth.keyring_key)")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "save the hash or keyring key to the config file")

	return cmd
}

func promptPassword() (string, error) {
	var password, confirm string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Relay password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("password is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Confirm password").
				EchoMode(huh.EchoModePassword).
				Value(&confirm).
				Validate(func(s string) error {
					if s != password {
						return errors.New("passwords do not match")
					}
					return nil
				}),
		),
	)

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return password, nil
}
