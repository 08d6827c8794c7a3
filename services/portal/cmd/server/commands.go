package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/authn"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/config"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/db"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := db.Connect(cmd.Context(), cfg.DatabaseURL, cfg.DatabaseProvider)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.New(pool).Migrate(cmd.Context()); err != nil {
				return db.Wrap(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the environment without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				for _, problem := range splitJoined(err) {
					fmt.Fprintln(cmd.ErrOrStderr(), "-", problem)
				}
				return errors.New("configuration is invalid")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: env=%s provider=%s addr=%s\n", cfg.Env, cfg.DatabaseProvider, cfg.HTTPAddr)
			return nil
		},
	}
}

func splitJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func newSetAdminPasswordCommand() *cobra.Command {
	var updatedBy string
	cmd := &cobra.Command{
		Use:   "set-admin-password",
		Short: "Store a new admin password hash (password read from stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := authn.HashPassword(password)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := db.Connect(cmd.Context(), cfg.DatabaseURL, cfg.DatabaseProvider)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.New(pool).SetAdminPassword(cmd.Context(), hash, updatedBy); err != nil {
				return db.Wrap(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "admin password updated")
			return nil
		},
	}
	cmd.Flags().StringVar(&updatedBy, "updated-by", "cli", "recorded as the author of the change")
	return cmd
}

// readPassword takes the first line of r and enforces the minimum length.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if len(password) < authn.MinAdminPasswordLen {
		return "", fmt.Errorf("password must be at least %d characters", authn.MinAdminPasswordLen)
	}
	return password, nil
}
