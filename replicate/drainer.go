package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/inkwell/draft-sync/queue"
)

type Options struct {
	BatchSize      int
	Interval       time.Duration
	BatchTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxAttempts is the number of failed pushes after which an entry is
	// dead-lettered. Entries always leave the queue eventually so a failing
	// project cannot hold the head of every batch; zero means 10.
	MaxAttempts int
	Logger      *log.Logger
	Metrics     *Metrics
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 15 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}

// Result summarizes one DrainOnce call.
type Result struct {
	Sent         int
	Acked        int
	Failed       int
	DeadLettered int
	// Full is set when the batch filled BatchSize, so more entries are likely
	// waiting.
	Full bool
}

// Drainer is the single consumer of a SyncQueue. It pushes batches through
// a Transport and acknowledges what the server accepted.
type Drainer struct {
	mu        sync.Mutex
	queue     queue.SyncQueue
	transport Transport
	opts      Options
	notify    chan struct{}
}

func NewDrainer(q queue.SyncQueue, transport Transport, opts Options) *Drainer {
	return &Drainer{
		queue:     q,
		transport: transport,
		opts:      opts.withDefaults(),
		notify:    make(chan struct{}, 1),
	}
}

// Notify wakes a running loop. It never blocks.
func (d *Drainer) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

type projectBatch struct {
	projectID string
	items     []queue.SyncItem
}

// groupByProject splits a batch per project, keeping the queue order inside
// each group and ordering groups by their first entry.
func groupByProject(items []queue.SyncItem) []projectBatch {
	var groups []projectBatch
	index := make(map[string]int)
	for _, item := range items {
		i, ok := index[item.ProjectID]
		if !ok {
			i = len(groups)
			index[item.ProjectID] = i
			groups = append(groups, projectBatch{projectID: item.ProjectID})
		}
		groups[i].items = append(groups[i].items, item)
	}
	return groups
}

func seqsOf(items []queue.SyncItem) []int64 {
	seqs := make([]int64, len(items))
	for i, item := range items {
		seqs[i] = item.Seq
	}
	return seqs
}

// DrainOnce pushes at most one batch. Entries are acknowledged only after
// the transport reports success; failed entries stay queued.
func (d *Drainer) DrainOnce(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch, err := d.queue.DequeueBatch(ctx, d.opts.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	res := Result{Full: len(batch) == d.opts.BatchSize}
	if len(batch) == 0 {
		d.opts.Metrics.observeBatch(resultEmpty)
		d.opts.Metrics.setDepth(0)
		return res, nil
	}

	var errs []error
	for _, group := range groupByProject(batch) {
		seqs := seqsOf(group.items)
		res.Sent += len(seqs)

		pushCtx, cancel := context.WithTimeout(ctx, d.opts.BatchTimeout)
		err := d.transport.Push(pushCtx, group.projectID, group.items)
		cancel()
		if err != nil {
			res.Failed += len(seqs)
			d.opts.Metrics.observeBatch(resultFailure)
			if ctx.Err() != nil {
				// shutting down, the attempt does not count
				return res, ctx.Err()
			}
			d.opts.Logger.Printf("push of %v entries for project %v failed: %v", len(seqs), group.projectID, err)
			errs = append(errs, fmt.Errorf("failed to push project %v: %w", group.projectID, err))

			dead, ferr := d.queue.RecordFailure(ctx, err.Error(), d.opts.MaxAttempts, seqs...)
			if ferr != nil {
				errs = append(errs, fmt.Errorf("failed to record push failure: %w", ferr))
			}
			for _, dl := range dead {
				d.opts.Logger.Printf("dead-lettered %v %v (seq %v) after %v attempts", dl.Item.Table, dl.Item.ID, dl.Item.Seq, dl.Item.Attempts)
			}
			res.DeadLettered += len(dead)
			d.opts.Metrics.observeDeadLettered(len(dead))
			continue
		}

		d.opts.Metrics.observeBatch(resultSuccess)
		if err := d.queue.Acknowledge(ctx, seqs...); err != nil {
			// the server holds the items, unacknowledged entries are resent
			// and reported as duplicates
			errs = append(errs, fmt.Errorf("failed to acknowledge project %v: %w", group.projectID, err))
			continue
		}
		res.Acked += len(seqs)
		d.opts.Metrics.observeAcknowledged(len(seqs))
	}

	if n, err := d.queue.Len(ctx); err == nil {
		d.opts.Metrics.setDepth(n)
	}
	return res, errors.Join(errs...)
}

func (d *Drainer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.BackoffInitial
	b.MaxInterval = d.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run drains until ctx is done. A full batch is followed immediately by the
// next one, an idle queue waits Interval or a Notify, and failures back off
// exponentially up to BackoffMax.
func (d *Drainer) Run(ctx context.Context) error {
	b := d.newBackOff()
	for {
		res, err := d.DrainOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		wake := d.notify
		switch {
		case err != nil:
			wait = b.NextBackOff()
			// a notify must not cut a backoff short
			wake = nil
			d.opts.Logger.Printf("drain failed, retrying in %v: %v", wait, err)
		case res.Full:
			b.Reset()
			continue
		default:
			b.Reset()
			wait = d.opts.Interval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
