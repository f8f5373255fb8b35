package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgmq/pgmq-go/pgmq"
)

var (
	dsn     string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "pgmq",
	Short: "PGMQ queue and schema management",
	Long: "CLI tool for managing PGMQ queues and messages in PostgreSQL.\n\n" +
		"The connection string is read from --dsn or DATABASE_URL. A \"+pq\" or\n" +
		"\"+stdlib\" scheme suffix selects the database/sql backends.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "Database connection string (default $DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log client activity to stderr")
}

func requireDSN() error {
	if dsn == "" {
		return fmt.Errorf("required flag \"dsn\" not set and DATABASE_URL is empty")
	}
	return nil
}

// connect opens a Connection. Closing it is the caller's job.
func connect(ctx context.Context, opts ...pgmq.ConnectionOption) (*pgmq.Connection, error) {
	if err := requireDSN(); err != nil {
		return nil, err
	}
	if verbose {
		opts = append(opts, pgmq.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	conn, err := pgmq.DialDSN(ctx, dsn, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
