package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/edgeflare/tableapi/pkg/auth"
	"github.com/edgeflare/tableapi/pkg/config"
	pg "github.com/edgeflare/tableapi/pkg/pgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage bearer tokens",
	Long:  `Create, list and revoke the bearer tokens in the configured token store`,
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a token granting read and/or write on a table",
	Example: `  tableapi token create --user alice --table people --read
  tableapi token create --user admin --table tokens --write`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		user, _ := f.GetString("user")
		table, _ := f.GetString("table")
		read, _ := f.GetBool("read")
		write, _ := f.GetBool("write")
		if user == "" || table == "" {
			return errors.New("--user and --table are required")
		}
		if !read && !write {
			return errors.New("at least one of --read or --write is required")
		}

		return withTokenStore(cmd.Context(), func(store auth.Store) error {
			token, err := auth.Issue(cmd.Context(), store, auth.NewRecord(user, table, read, write))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		})
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenStore(cmd.Context(), func(store auth.Store) error {
			return store.Revoke(cmd.Context(), args[0])
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users and permissions, with abbreviated tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenStore(cmd.Context(), func(store auth.Store) error {
			tokens, err := store.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			printTokens(cmd.OutOrStdout(), tokens)
			return nil
		})
	},
}

func init() {
	f := tokenCreateCmd.Flags()
	f.StringP("user", "u", "", "User the token belongs to")
	f.StringP("table", "t", "", "Table the token grants access to")
	f.BoolP("read", "r", false, "Grant read")
	f.BoolP("write", "w", false, "Grant write")

	pf := tokenCmd.PersistentFlags()
	pf.String("tokens.store", "", "Token store: file or postgres")
	pf.String("tokens.file", "", "Token file for the file store")
	pf.StringP("rest.pg.connString", "c", "", "PostgreSQL connection string for the postgres store")

	tokenCmd.AddCommand(tokenCreateCmd, tokenRevokeCmd, tokenListCmd)
}

// withTokenStore opens the configured store for the duration of fn.
func withTokenStore(ctx context.Context, fn func(auth.Store) error) error {
	var pool *pgxpool.Pool
	if cfg.Tokens.Store == config.TokenStorePostgres {
		if cfg.REST.PG.ConnString == "" {
			return errors.New("the postgres token store needs rest.pg.connString")
		}
		var err error
		pool, err = pg.NewPool(ctx, pg.PoolConfig{ConnString: cfg.REST.PG.ConnString, MaxConns: 1})
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	store, err := openTokenStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	return fn(store)
}

func printTokens(w io.Writer, tokens map[string]auth.Record) {
	for _, token := range slices.Sorted(maps.Keys(tokens)) {
		rec := tokens[token]
		perms := make([]string, len(rec.Permissions))
		for i, p := range rec.Permissions {
			perms[i] = p.String()
		}
		fmt.Fprintf(w, "%s…\t%s\t%s\n", abbreviate(token), rec.User, strings.Join(perms, ","))
	}
}

func abbreviate(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
