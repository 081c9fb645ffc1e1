// roomctl - operator commands for provisioning users and login sessions
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/roomchat/internal/domain"
	"github.com/ashureev/roomchat/internal/store"
)

type dbFlags struct {
	driver      string
	path        string
	databaseURL string
}

func main() {
	_ = godotenv.Load()

	db := &dbFlags{}
	rootCmd := &cobra.Command{
		Use:           "roomctl",
		Short:         "Provision roomchat users and sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&db.driver, "db-driver", envOr("DB_DRIVER", store.DriverSQLite), "database driver (sqlite|postgres)")
	rootCmd.PersistentFlags().StringVar(&db.path, "db-path", envOr("DB_PATH", "./data/roomchat.db"), "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&db.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")

	rootCmd.AddCommand(newUserCmd(db), newSessionCmd(db))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newUserCmd(db *dbFlags) *cobra.Command {
	var username, avatar string
	cmd := &cobra.Command{
		Use:   "user <id>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if domain.IsAgent(args[0]) {
				return fmt.Errorf("%q is reserved", args[0])
			}
			if username == "" {
				username = args[0]
			}
			return withRepo(cmd.Context(), db, func(repo store.Repository) error {
				user := &domain.User{ID: args[0], Username: username, Avatar: avatar}
				if err := repo.UpsertUser(cmd.Context(), user); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", user.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	return cmd
}

func newSessionCmd(db *dbFlags) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "session <user-id>",
		Short: "Issue a login session and print its bearer id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			return withRepo(cmd.Context(), db, func(repo store.Repository) error {
				session := &domain.Session{
					ID:            uuid.NewString(),
					UserID:        args[0],
					ActiveExpires: time.Now().Add(ttl).UTC(),
				}
				if err := repo.CreateSession(cmd.Context(), session); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), session.ID)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "session lifetime")
	return cmd
}

func withRepo(ctx context.Context, db *dbFlags, fn func(store.Repository) error) error {
	repo, err := store.Open(ctx, db.driver, db.path, db.databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = repo.Close() }()
	return fn(repo)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
