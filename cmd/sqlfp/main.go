// Package main is the entry point for the sqlfp CLI binary.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pgtools/sqlfp"
	"github.com/pgtools/sqlfp/internal/executor"
)

var version = "dev"

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlfp [sql...]",
		Short: "Fingerprint SQL statements",
		Long: `Reduces SQL statements to structural fingerprints: literals, column
lists and predicates are collapsed so that statements differing only in
values share one fingerprint. Statements passed as arguments form a
single batch; with no arguments, one batch is read from stdin, one
statement per line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sqls := args
			if len(sqls) == 0 {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				for scanner.Scan() {
					sqls = append(sqls, scanner.Text())
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			for _, fp := range sqlfp.Many(sqls) {
				fmt.Fprintln(cmd.OutOrStdout(), fp)
			}
			return nil
		},
	}

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newScrapeCmd() *cobra.Command {
	var (
		dsn   executor.DSN
		limit int
	)

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fingerprint the workload of a running PostgreSQL server",
		Long: `Connects to a PostgreSQL server, collects current statement texts
from pg_stat_statements (or pg_stat_activity when the extension is not
installed) and prints their fingerprints.`,
		Example: `  sqlfp scrape --host 127.0.0.1 --user postgres
  sqlfp scrape --host db.internal --dbname orders --limit 50`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := hclog.New(&hclog.LoggerOptions{
				Name:       "sqlfp",
				Level:      hclog.Info,
				Output:     os.Stderr,
				JSONFormat: true,
			})

			exec, err := executor.NewExecutor(log, dsn)
			if err != nil {
				return err
			}
			defer exec.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := exec.Ping(ctx); err != nil {
				return err
			}

			stmts, err := exec.CollectStatements(ctx, limit)
			if err != nil {
				return err
			}

			counts := make(map[string]int)
			var order []string
			for _, fp := range sqlfp.Many(stmts) {
				if counts[fp] == 0 {
					order = append(order, fp)
				}
				counts[fp]++
			}
			sort.SliceStable(order, func(i, j int) bool {
				return counts[order[i]] > counts[order[j]]
			})
			for _, fp := range order {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", counts[fp], fp)
			}
			return nil
		},
	}

	registerDSNFlags(cmd.Flags(), &dsn)
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of statements to collect")

	return cmd
}

func registerDSNFlags(flags *pflag.FlagSet, dsn *executor.DSN) {
	flags.StringVar(&dsn.Host, "host", "127.0.0.1", "server host")
	flags.StringVar(&dsn.Port, "port", "5432", "server port")
	flags.StringVar(&dsn.User, "user", "postgres", "user name")
	flags.StringVar(&dsn.Password, "password", "", "user password")
	flags.StringVar(&dsn.DatabaseName, "dbname", "", "database name (defaults to postgres)")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version & exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
