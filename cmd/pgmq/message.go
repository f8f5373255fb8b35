package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgmq/pgmq-go/pgmq"
)

var (
	sendDelay int
	readVT    int
	readQty   int
	readPoll  time.Duration
)

// messageOutput is the JSON line printed for each message.
type messageOutput struct {
	ID         int64           `json:"msg_id"`
	ReadCount  int64           `json:"read_ct"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	VT         time.Time       `json:"vt"`
	Message    json.RawMessage `json:"message"`
}

func printMessages(w io.Writer, msgs ...pgmq.Message) error {
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if err := enc.Encode(messageOutput{
			ID:         m.ID,
			ReadCount:  m.ReadCount,
			EnqueuedAt: m.EnqueuedAt,
			VT:         m.VT,
			Message:    m.Payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

// parseIDs parses message ids in order, dropping repeats.
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	seen := make(map[int64]bool, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q", a)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var sendCmd = &cobra.Command{
	Use:   "send QUEUE JSON",
	Short: "Send a JSON message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("message is not valid JSON")
		}
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		id, err := conn.Send(ctx, args[0], json.RawMessage(args[1]), pgmq.WithDelay(sendDelay))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read QUEUE",
	Short: "Read messages, hiding them for the visibility timeout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		var msgs []pgmq.Message
		if readPoll > 0 {
			msgs, err = conn.ReadWithPoll(ctx, args[0], readVT, readQty, pgmq.WithMaxPoll(readPoll))
		} else {
			msgs, err = conn.ReadBatch(ctx, args[0], readVT, readQty)
		}
		if err != nil {
			return err
		}
		return printMessages(cmd.OutOrStdout(), msgs...)
	},
}

var popCmd = &cobra.Command{
	Use:   "pop QUEUE",
	Short: "Read and delete one message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		msg, err := conn.Pop(ctx, args[0])
		if err != nil || msg == nil {
			return err
		}
		return printMessages(cmd.OutOrStdout(), *msg)
	},
}

// idsCommand builds delete and archive, which share their shape.
func idsCommand(use, short string, op func(conn *pgmq.Connection, cmd *cobra.Command, queue string, ids []int64) ([]int64, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " QUEUE ID...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			conn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			done, err := op(conn, cmd, args[0], ids)
			if err != nil {
				return err
			}
			for _, id := range done {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if len(done) < len(ids) {
				return fmt.Errorf("%d of %d message(s) not found", len(ids)-len(done), len(ids))
			}
			return nil
		},
	}
}

var deleteCmd = idsCommand("delete", "Delete messages by id",
	func(conn *pgmq.Connection, cmd *cobra.Command, queue string, ids []int64) ([]int64, error) {
		return conn.DeleteBatch(cmd.Context(), queue, ids)
	})

var archiveCmd = idsCommand("archive", "Move messages to the archive table by id",
	func(conn *pgmq.Connection, cmd *cobra.Command, queue string, ids []int64) ([]int64, error) {
		return conn.ArchiveBatch(cmd.Context(), queue, ids)
	})

func init() {
	sendCmd.Flags().IntVar(&sendDelay, "delay", 0, "Seconds before the message becomes visible")
	readCmd.Flags().IntVar(&readVT, "vt", 30, "Visibility timeout in seconds")
	readCmd.Flags().IntVar(&readQty, "qty", 1, "Maximum number of messages")
	readCmd.Flags().DurationVar(&readPoll, "poll", 0, "Wait up to this long for messages")

	rootCmd.AddCommand(sendCmd, readCmd, popCmd, deleteCmd, archiveCmd)
}
