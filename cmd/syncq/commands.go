package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/inkwell/draft-sync/conflict"
	"github.com/inkwell/draft-sync/queue"
	"github.com/inkwell/draft-sync/replicate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type EnqueueOptions struct {
	*RootOptions
	Project     string
	Table       string
	ID          string
	Operation   string
	Payload     string
	PayloadFile string
	Revision    int64
	Dir         string
}

func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a mutation for transmission",
		Long: `Queue a mutation for transmission.

Without --revision the next revision after both the last queued one and
the local record in --dir is used.

Example:
  syncq enqueue --project novel --table chapter --payload '{"title":"One"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Project, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Table, "table", "", "record table (project|chapter|scene|character|note)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "record id (generated when empty)")
	cmd.Flags().StringVar(&opts.Operation, "op", string(queue.OpUpsert), "operation (upsert|delete)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "record payload")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read the payload from a file")
	cmd.Flags().Int64Var(&opts.Revision, "revision", 0, "client revision")
	cmd.Flags().StringVar(&opts.Dir, "dir", "records", "directory holding local records")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("table")

	return cmd
}

func runEnqueue(ctx context.Context, opts *EnqueueOptions, cmd *cobra.Command) error {
	payload := []byte(opts.Payload)
	if opts.PayloadFile != "" {
		data, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		payload = data
	}
	if len(payload) == 0 {
		payload = nil
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	q, err := opts.openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	table := queue.Table(opts.Table)
	revision := opts.Revision
	if revision == 0 {
		status, err := q.Status(ctx, table, id)
		if err != nil {
			return err
		}
		// a pulled record can be ahead of anything this device queued
		local, found, err := newFileStore(opts.Dir).Get(ctx, table, id)
		if err != nil {
			return err
		}
		current := status.LastRevision
		if found && local.ClientRevision > current {
			current = local.ClientRevision
		}
		revision = conflict.NextRevision(current)
	}

	item, err := q.Enqueue(ctx, queue.SyncItem{
		ID:             id,
		Table:          table,
		ProjectID:      opts.Project,
		Operation:      queue.Operation(opts.Operation),
		Payload:        payload,
		ClientRevision: revision,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s revision %d (seq %d)\n", item.Table, item.ID, item.ClientRevision, item.Seq)
	return nil
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [<table> <id>]",
		Short: "Show the queue depth or the sync state of a record",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <table> <id>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := rootOpts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				n, err := q.Len(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d pending\n", n)
				return nil
			}
			status, err := q.Status(cmd.Context(), queue.Table(args[0]), args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s: %s\n", status.Table, status.ID, status.State())
			fmt.Fprintf(out, "  pending:        %d\n", status.Pending)
			fmt.Fprintf(out, "  dead-lettered:  %d\n", status.DeadLettered)
			fmt.Fprintf(out, "  last revision:  %d\n", status.LastRevision)
			fmt.Fprintf(out, "  synced:         %d\n", status.SyncedRevision)
			return nil
		},
	}
}

type DrainOptions struct {
	*RootOptions
	Once bool
}

func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Push queued mutations to the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Once, "once", false, "push a single batch and exit")

	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	q, err := opts.openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	c, err := opts.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	registry := prometheus.NewRegistry()
	cfg := opts.Config
	drainer := replicate.NewDrainer(q, c, replicate.Options{
		BatchSize:      cfg.BatchSize,
		Interval:       cfg.Interval,
		BatchTimeout:   cfg.BatchTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		MaxAttempts:    cfg.MaxAttempts,
		Logger:         opts.Logger,
		Metrics:        replicate.NewMetrics(registry),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.Once {
		res, err := drainer.DrainOnce(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d, acknowledged %d, failed %d, dead-lettered %d\n",
			res.Sent, res.Acked, res.Failed, res.DeadLettered)
		return err
	}

	if cfg.MetricsListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListenAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				opts.Logger.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	opts.Logger.Printf("draining %s to %s", opts.DBPath, opts.Server)
	if err := drainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type PullOptions struct {
	*RootOptions
	Project string
	Dir     string
	Follow  bool
}

func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch remote changes into a local directory",
		Long: `Fetch remote changes into a local directory.

Each record is written to <dir>/<table>/<id>.json. Records whose local copy
is newer are kept, diverged records are reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Project, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Dir, "dir", "records", "directory holding local records")
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "keep pulling as changes are announced")
	cmd.MarkFlagRequired("project")

	return cmd
}

func runPull(opts *PullOptions, cmd *cobra.Command) error {
	policy, err := conflict.ParsePolicy(opts.Config.ConflictPolicy)
	if err != nil {
		return err
	}

	q, err := opts.openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	c, err := opts.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	puller := replicate.NewPuller(c, newFileStore(opts.Dir), q, conflict.Detector{Policy: policy}, opts.Logger, nil)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pull := func() error {
		res, err := puller.Pull(ctx, opts.Project)
		fmt.Fprintf(cmd.OutOrStdout(), "received %d, applied %d, kept %d, diverged %d, cursor %d\n",
			res.Received, res.Applied, res.Kept, len(res.Diverged), res.Cursor)
		for _, r := range res.Diverged {
			fmt.Fprintf(cmd.OutOrStdout(), "  diverged %s %s at revision %d\n", r.Table, r.ID, r.ClientRevision)
		}
		return err
	}
	if err := pull(); err != nil || !opts.Follow {
		return err
	}

	err = c.Track(ctx, opts.Project, func(replicate.RemoteRecord) error {
		return pull()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type DeadLettersOptions struct {
	*RootOptions
	Limit   int
	Requeue bool
}

func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLettersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List mutations that exhausted their attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			ctx := cmd.Context()
			letters, err := q.DeadLetters(ctx, opts.Limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			seqs := make([]int64, len(letters))
			for i, dl := range letters {
				seqs[i] = dl.Item.Seq
				fmt.Fprintf(out, "%d\t%s\t%s\trev %d\t%d attempts\t%s\n",
					dl.Item.Seq, dl.Item.Table, dl.Item.ID, dl.Item.ClientRevision, dl.Item.Attempts, dl.Reason)
			}
			if !opts.Requeue || len(seqs) == 0 {
				return nil
			}
			requeued, err := q.Requeue(ctx, seqs...)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "requeued %d\n", len(requeued))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries to list")
	cmd.Flags().BoolVar(&opts.Requeue, "requeue", false, "move the listed entries back to the queue")

	return cmd
}

func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create a device key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := btcec.NewPrivateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "DEVICE_KEY=%s\n", hex.EncodeToString(key.Serialize()))
			fmt.Fprintf(cmd.OutOrStdout(), "# pubkey %s\n", hex.EncodeToString(key.PubKey().SerializeCompressed()))
			return nil
		},
	}
}
