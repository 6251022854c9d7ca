package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/qualityboard/qa-dashboard/quality"
)

const (
	backfillWorkers    = 5
	backfillMaxRetries = 3
)

type cpkCalculator interface {
	CalculateCPK(ctx context.Context, q quality.Query) (any, error)
}

type snapshotSaver interface {
	Save(ctx context.Context, snap *Snapshot) error
}

// BackfillJob describes one historical range to turn into daily snapshots.
type BackfillJob struct {
	Server     string
	Project    string
	Line       string
	Parameters []string
	From       time.Time
	To         time.Time
	Workers    int
}

type BackfillSummary struct {
	Windows  int
	Saved    int64
	Empty    int64
	Failed   int64
	Duration time.Duration
}

type backfillResult struct {
	saved bool
	empty bool
	err   error
}

// dailyWindows splits [from, to) into UTC calendar days.
func dailyWindows(from, to time.Time) [][2]time.Time {
	var out [][2]time.Time
	from, to = from.UTC(), to.UTC()
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for cur := start; cur.Before(to); cur = cur.AddDate(0, 0, 1) {
		lo, hi := cur, cur.AddDate(0, 0, 1)
		if lo.Before(from) {
			lo = from
		}
		if hi.After(to) {
			hi = to
		}
		out = append(out, [2]time.Time{lo, hi})
	}
	return out
}

type Backfiller struct {
	calc     cpkCalculator
	store    snapshotSaver
	notifier *Notifier
	opts     ViewOptions
	retry    time.Duration
}

func NewBackfiller(calc cpkCalculator, store snapshotSaver, notifier *Notifier, opts ViewOptions) *Backfiller {
	return &Backfiller{calc: calc, store: store, notifier: notifier, opts: opts, retry: 100 * time.Millisecond}
}

func (b *Backfiller) Run(ctx context.Context, job BackfillJob) (BackfillSummary, error) {
	if job.Project == "" {
		return BackfillSummary{}, quality.ErrMissingProject
	}
	if !job.From.Before(job.To) {
		return BackfillSummary{}, quality.ErrInvalidRange
	}
	workers := job.Workers
	if workers <= 0 {
		workers = backfillWorkers
	}

	windows := dailyWindows(job.From, job.To)
	sum := BackfillSummary{Windows: len(windows)}
	start := time.Now()

	jobs := make(chan [2]time.Time, len(windows))
	results := make(chan backfillResult, len(windows))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for win := range jobs {
				results <- b.windowWithRetry(ctx, job, win)
			}
		}()
	}

	for _, win := range windows {
		jobs <- win
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var done int64
	for res := range results {
		switch {
		case res.err != nil:
			sum.Failed++
			backfillLog.Warnf("%v", res.err)
		case res.empty:
			sum.Empty++
		case res.saved:
			sum.Saved++
		}
		done++
		if done%10 == 0 || int(done) == len(windows) {
			backfillLog.Infof("%d/%d windows | saved: %d | empty: %d | failed: %d",
				done, len(windows), sum.Saved, sum.Empty, sum.Failed)
		}
	}

	sum.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (b *Backfiller) windowWithRetry(ctx context.Context, job BackfillJob, win [2]time.Time) backfillResult {
	var lastErr error
	for i := 0; i < backfillMaxRetries; i++ {
		res := b.window(ctx, job, win)
		if res.err == nil {
			return res
		}
		// bad input will not get better on retry
		if errors.Is(res.err, quality.ErrMissingProject) || errors.Is(res.err, ErrUnknownServer) {
			return res
		}
		lastErr = res.err
		select {
		case <-time.After(time.Duration(i+1) * b.retry):
		case <-ctx.Done():
			return backfillResult{err: ctx.Err()}
		}
	}
	return backfillResult{err: fmt.Errorf("window %s: %w", win[0].Format("2006-01-02"), lastErr)}
}

func (b *Backfiller) window(ctx context.Context, job BackfillJob, win [2]time.Time) backfillResult {
	q, err := quality.Query{
		Server:     job.Server,
		Project:    job.Project,
		Line:       job.Line,
		Parameters: job.Parameters,
		From:       win[0],
		To:         win[1],
	}.Normalize(quality.DomainCPK, win[1], 1)
	if err != nil {
		return backfillResult{err: err}
	}
	resp, err := b.calc.CalculateCPK(ctx, q)
	if err != nil {
		return backfillResult{err: err}
	}
	data := BuildCPKData(job.Server, q, resp, b.opts)
	if len(data.Points) == 0 {
		return backfillResult{empty: true}
	}
	snap, err := NewSnapshot(job.Server, q, data, "backfill")
	if err != nil {
		return backfillResult{err: err}
	}
	if err := b.store.Save(ctx, snap); err != nil {
		return backfillResult{err: err}
	}
	if b.notifier != nil {
		if err := b.notifier.SnapshotSaved(ctx, snap, data); err != nil {
			backfillLog.Warnf("event for %s failed: %v", snap.ID, err)
		}
	}
	return backfillResult{saved: true}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "calculating..."
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// runBackfill is the "backfill" subcommand.
func runBackfill(args []string, cfg Config) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	server := fs.String("server", cfg.DefaultServer, "monitoring server name")
	project := fs.String("project", "", "project name (required)")
	line := fs.String("line", "", "production line")
	params := fs.String("params", "", "comma separated parameter names (empty = all)")
	from := fs.String("from", "", "first day, YYYY-MM-DD (required)")
	to := fs.String("to", "", "last day inclusive, YYYY-MM-DD (default: yesterday)")
	workers := fs.Int("workers", backfillWorkers, "parallel workers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *from == "" {
		return errors.New("backfill: -from is required")
	}
	fromT, err := time.Parse("2006-01-02", *from)
	if err != nil {
		return fmt.Errorf("backfill: invalid -from (use YYYY-MM-DD): %w", err)
	}
	toT := time.Now().UTC().Truncate(24 * time.Hour)
	if *to != "" {
		t, err := time.Parse("2006-01-02", *to)
		if err != nil {
			return fmt.Errorf("backfill: invalid -to (use YYYY-MM-DD): %w", err)
		}
		toT = t.AddDate(0, 0, 1)
	}

	servers, err := ParseServers(cfg.MonitorServers, cfg.DefaultServer)
	if err != nil {
		return err
	}
	srv, err := servers.Lookup(*server)
	if err != nil {
		return err
	}
	store, err := OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := NewNotifier(openPublisher(cfg), cfg.CPKAlertThreshold)
	defer notifier.Close()

	client := NewQAClient(cfg, servers)
	bf := NewBackfiller(client, store, notifier, cfg.ViewOptions())

	backfillLog.Infof("server=%s project=%s range=%s..%s workers=%d",
		srv.Name, *project, fromT.Format("2006-01-02"), toT.AddDate(0, 0, -1).Format("2006-01-02"), *workers)

	sum, err := bf.Run(context.Background(), BackfillJob{
		Server:     srv.Name,
		Project:    *project,
		Line:       *line,
		Parameters: splitCSV(*params),
		From:       fromT,
		To:         toT,
		Workers:    *workers,
	})
	backfillLog.Infof("complete: %d windows, %d saved, %d empty, %d failed (took %s)",
		sum.Windows, sum.Saved, sum.Empty, sum.Failed, formatDuration(sum.Duration))
	return err
}
