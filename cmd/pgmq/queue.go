package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pgmq/pgmq-go/pgmq"
)

var (
	unlogged          bool
	partitioned       bool
	partitionInterval string
	retentionInterval string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage queues",
}

var queueCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		switch {
		case partitioned:
			err = conn.CreatePartitionedQueue(ctx, args[0],
				pgmq.WithPartitionInterval(partitionInterval),
				pgmq.WithRetentionInterval(retentionInterval))
		case unlogged:
			err = conn.CreateQueue(ctx, args[0], pgmq.WithUnlogged())
		default:
			err = conn.CreateQueue(ctx, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created queue %s\n", args[0])
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop NAME",
	Short: "Drop a queue and its archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		var opts []pgmq.QueueOption
		if partitioned {
			opts = append(opts, pgmq.WithPartitioned())
		}
		dropped, err := conn.DropQueue(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		if !dropped {
			return fmt.Errorf("queue %s does not exist", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped queue %s\n", args[0])
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		queues, err := conn.ListQueueDetails(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPARTITIONED\tUNLOGGED\tCREATED")
		for _, q := range queues {
			fmt.Fprintf(w, "%s\t%v\t%v\t%s\n", q.Name, q.IsPartitioned, q.IsUnlogged, q.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge NAME",
	Short: "Delete every message in a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		n, err := conn.Purge(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d message(s) from %s\n", n, args[0])
		return nil
	},
}

var queueMetricsCmd = &cobra.Command{
	Use:   "metrics [NAME]",
	Short: "Show queue metrics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		var metrics []pgmq.QueueMetrics
		if len(args) == 1 {
			m, err := conn.Metrics(ctx, args[0])
			if err != nil {
				return err
			}
			if m != nil {
				metrics = append(metrics, *m)
			}
		} else if metrics, err = conn.MetricsAll(ctx); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tLENGTH\tTOTAL\tOLDEST_AGE\tNEWEST_AGE")
		for _, m := range metrics {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", m.QueueName, m.QueueLength, m.TotalMessages,
				formatAge(m.OldestMsgAgeSec), formatAge(m.NewestMsgAgeSec))
		}
		return w.Flush()
	},
}

func formatAge(sec *int64) string {
	if sec == nil {
		return "-"
	}
	return fmt.Sprintf("%ds", *sec)
}

func init() {
	queueCreateCmd.Flags().BoolVar(&unlogged, "unlogged", false, "Create an unlogged queue")
	queueCreateCmd.Flags().BoolVar(&partitioned, "partitioned", false, "Create a queue partitioned by pg_partman")
	queueCreateCmd.Flags().StringVar(&partitionInterval, "partition-interval", "10000", "Messages or time span per partition")
	queueCreateCmd.Flags().StringVar(&retentionInterval, "retention-interval", "100000", "Messages or time span retained")
	queueCreateCmd.MarkFlagsMutuallyExclusive("unlogged", "partitioned")
	queueDropCmd.Flags().BoolVar(&partitioned, "partitioned", false, "The queue is partitioned")

	queueCmd.AddCommand(queueCreateCmd, queueDropCmd, queueListCmd, queuePurgeCmd, queueMetricsCmd)
	rootCmd.AddCommand(queueCmd)
}
