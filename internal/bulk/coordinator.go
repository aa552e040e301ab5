package bulk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// Coordinator runs bulk uploads. A Coordinator runs one upload at a time;
// Phase reports the state of the current or last concurrent run.
type Coordinator struct {
	up       Uploader
	workers  int
	logger   *slog.Logger
	recorder Recorder
	hook     func(FileOutcome)

	// settle is how long a watched file must be quiet before it is enqueued.
	settle time.Duration

	// sleepFunc waits between attempts. Overridden in tests.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// nowFunc stamps run start and finish times.
	nowFunc func() time.Time
	// newWatcher opens the filesystem watcher used by Watch.
	newWatcher func() (fsWatcher, error)

	phase atomic.Int32
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers sets the number of concurrent workers (minimum 1).
func WithWorkers(n int) Option {
	return func(c *Coordinator) { c.workers = n }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithRecorder persists each run's outcomes.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithOutcomeHook registers fn to be called once per finished file. In
// concurrent runs fn is called from worker goroutines.
func WithOutcomeHook(fn func(FileOutcome)) Option {
	return func(c *Coordinator) { c.hook = fn }
}

// WithSettleDelay sets how long Watch waits for a file to stop changing.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.settle = d }
}

// NewCoordinator creates a Coordinator over up.
func NewCoordinator(up Uploader, opts ...Option) *Coordinator {
	c := &Coordinator{
		up:         up,
		workers:    DefaultWorkers,
		settle:     defaultSettleDelay,
		sleepFunc:  timeSleep,
		nowFunc:    time.Now,
		newWatcher: newFsnotifyWatcher,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.workers < 1 {
		c.workers = 1
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// Phase returns the phase of the current or most recent concurrent run.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.logger.Debug("bulk upload phase", slog.String("phase", p.String()))
}

// Run uploads req.Root. A directory root is walked and uploaded concurrently
// (or sequentially when req.Sequential is set). A file root is a single
// upload without retry; a symlink root or a filtered-out file uploads
// nothing.
//
// Per-file failures in concurrent mode are reported in the Result, not as an
// error. The returned error covers setup failures, the first failure of a
// sequential run, a failed single-file upload, and cancellation.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Bucket.Validate(); err != nil {
		return nil, err
	}

	info, err := os.Lstat(req.Root)
	if err != nil {
		return nil, &b2.FilesystemError{Op: "stat", Path: req.Root, Err: err}
	}

	bucket, err := c.up.GetBucket(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}

	// Sessions are requested by ID so each worker skips the name lookup.
	ref := b2.BucketByID(bucket.BucketID)

	mode := ModeConcurrent

	switch {
	case !info.IsDir():
		mode = ModeSingle
	case req.Sequential:
		mode = ModeSequential
	}

	res := c.startRun(ctx, req, bucket, mode)

	var runErr error

	switch mode {
	case ModeSingle:
		runErr = c.runSingle(ctx, ref, req, info, res)
	case ModeSequential:
		runErr = c.runSequential(ctx, ref, req, res)
	default:
		runErr = c.runConcurrent(ctx, ctx, ref, res, func(ctx context.Context, enqueue func(Task) error) error {
			return walkTree(ctx, req.Root, req.Prefix, req.Filter, c.logger, enqueue)
		})
	}

	c.finishRun(ctx, res)

	return res, runErr
}

func (c *Coordinator) startRun(ctx context.Context, req Request, bucket *b2.Bucket, mode Mode) *Result {
	res := newResult(Run{
		ID:        uuid.NewString(),
		Root:      req.Root,
		Bucket:    bucket.BucketName,
		Mode:      mode,
		StartedAt: c.nowFunc(),
	})

	c.logger.Info("bulk upload starting",
		slog.String("run_id", res.ID),
		slog.String("root", req.Root),
		slog.String("bucket", bucket.BucketName),
		slog.String("mode", string(mode)),
		slog.Int("workers", c.workers),
	)

	if c.recorder != nil {
		if err := c.recorder.StartRun(ctx, res.Run); err != nil {
			c.logger.Warn("recording run start failed",
				slog.String("run_id", res.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return res
}

func (c *Coordinator) finishRun(ctx context.Context, res *Result) {
	res.FinishedAt = c.nowFunc()

	if c.recorder != nil {
		// Record the finish even when the run was canceled.
		if err := c.recorder.FinishRun(context.WithoutCancel(ctx), res); err != nil {
			c.logger.Warn("recording run finish failed",
				slog.String("run_id", res.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.logger.Info("bulk upload finished",
		slog.String("run_id", res.ID),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("uploaded", len(res.Uploaded())),
		slog.Int("failed", len(res.Failed())),
		slog.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)
}

// record stores o on the result, the recorder, and the hook.
func (c *Coordinator) record(ctx context.Context, res *Result, o FileOutcome) {
	res.add(o)

	if c.recorder != nil {
		if err := c.recorder.RecordOutcome(context.WithoutCancel(ctx), res.ID, o); err != nil {
			c.logger.Warn("recording outcome failed",
				slog.String("path", o.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.hook != nil {
		c.hook(o)
	}
}

// runSingle handles a root that is not a directory.
func (c *Coordinator) runSingle(
	ctx context.Context, ref b2.BucketRef, req Request, info fs.FileInfo, res *Result,
) error {
	if info.Mode()&fs.ModeSymlink != 0 || !req.Filter.Allows(req.Root) {
		c.logger.Warn("no files uploaded", slog.String("path", req.Root))
		return nil
	}

	res.Enqueued = 1
	o := FileOutcome{Path: req.Root, Attempts: 1}

	if prefix := strings.Trim(req.Prefix, "/"); prefix != "" {
		o.DestName = prefix + "/" + info.Name()
	}

	us, err := c.up.GetUploadSession(ctx, ref)
	if err == nil {
		o.File, err = c.up.UploadFile(ctx, req.Root, o.DestName, us)
	}

	o.Err = err
	c.record(ctx, res, o)

	return err
}

// runSequential uploads each walked file inline with one session, stopping
// at the first failure.
func (c *Coordinator) runSequential(ctx context.Context, ref b2.BucketRef, req Request, res *Result) error {
	us, err := c.up.GetUploadSession(ctx, ref)
	if err != nil {
		return err
	}

	return walkTree(ctx, req.Root, req.Prefix, req.Filter, c.logger, func(t Task) error {
		res.Enqueued++

		fi, err := c.up.UploadFile(ctx, t.Path, t.DestName, us)
		c.record(ctx, res, FileOutcome{Path: t.Path, DestName: t.DestName, Attempts: 1, File: fi, Err: err})

		if err != nil {
			return fmt.Errorf("bulk: uploading %s: %w", t.Path, err)
		}

		return nil
	})
}

// producer feeds tasks to enqueue until it is done or ctx is canceled.
type producer func(ctx context.Context, enqueue func(Task) error) error

// runConcurrent starts the workers, runs produce on the calling goroutine,
// closes the queue, and joins the workers. Workers run under workCtx so a
// watch can stop producing without abandoning queued files.
func (c *Coordinator) runConcurrent(
	produceCtx, workCtx context.Context, ref b2.BucketRef, res *Result, produce producer,
) error {
	c.setPhase(PhaseWorkersStarting)

	tasks := make(chan Task, c.workers)

	var wg sync.WaitGroup

	for id := range c.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			c.worker(workCtx, id, ref, tasks, res)
		}()
	}

	c.setPhase(PhaseDraining)

	produceErr := produce(produceCtx, func(t Task) error {
		select {
		case tasks <- t:
			res.Enqueued++
			c.logger.Debug("enqueued", slog.String("path", t.Path))

			return nil
		case <-produceCtx.Done():
			return produceCtx.Err()
		}
	})

	close(tasks)
	c.setPhase(PhaseWorkersJoining)
	wg.Wait()
	c.setPhase(PhaseDone)

	if produceErr != nil {
		return fmt.Errorf("bulk: producing tasks: %w", produceErr)
	}

	return nil
}

// worker owns one upload session and uploads tasks until the queue is closed
// and drained.
func (c *Coordinator) worker(ctx context.Context, id int, ref b2.BucketRef, tasks <-chan Task, res *Result) {
	us, err := c.up.GetUploadSession(ctx, ref)
	if err != nil {
		// The first attempt of the next task retries the acquisition.
		c.logger.Warn("worker could not acquire upload session",
			slog.Int("worker", id),
			slog.String("error", err.Error()),
		)

		us = nil
	}

	for t := range tasks {
		o := c.safeUpload(ctx, id, ref, &us, t)
		c.record(ctx, res, o)
	}

	c.logger.Debug("worker exiting", slog.Int("worker", id))
}

// safeUpload wraps uploadWithRetry with panic recovery so one bad file
// cannot take down the worker.
func (c *Coordinator) safeUpload(
	ctx context.Context, id int, ref b2.BucketRef, us **b2.UploadSession, t Task,
) (o FileOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker: panic during upload",
				slog.Int("worker", id),
				slog.String("path", t.Path),
				slog.Any("panic", r),
			)

			*us = nil
			o = FileOutcome{Path: t.Path, DestName: t.DestName, Err: fmt.Errorf("bulk: panic: %v", r)}
		}
	}()

	return c.uploadWithRetry(ctx, id, ref, us, t)
}

// uploadWithRetry makes up to MaxAttempts attempts. An attempt first
// acquires a session if the worker has none. Remote and transport failures
// discard the session so the next attempt starts with a fresh one; local
// file errors keep it.
func (c *Coordinator) uploadWithRetry(
	ctx context.Context, id int, ref b2.BucketRef, us **b2.UploadSession, t Task,
) FileOutcome {
	o := FileOutcome{Path: t.Path, DestName: t.DestName}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if o.Err == nil {
				o.Err = err
			}

			return o
		}

		o.Attempts = attempt
		o.Err = c.attempt(ctx, ref, us, t, &o)

		if o.Err == nil {
			if attempt > 1 {
				c.logger.Info("upload succeeded after retry",
					slog.String("path", t.Path),
					slog.Int("attempt", attempt),
				)
			}

			return o
		}

		c.logger.Warn("upload attempt failed",
			slog.Int("worker", id),
			slog.String("path", t.Path),
			slog.Int("attempt", attempt),
			slog.String("error", o.Err.Error()),
		)

		if attempt < MaxAttempts {
			if err := c.sleepFunc(ctx, RetryBackoff); err != nil {
				return o
			}
		}
	}

	c.logger.Error("upload failed, giving up",
		slog.Int("worker", id),
		slog.String("path", t.Path),
		slog.Int("attempts", MaxAttempts),
		slog.String("error", o.Err.Error()),
	)

	return o
}

func (c *Coordinator) attempt(
	ctx context.Context, ref b2.BucketRef, us **b2.UploadSession, t Task, o *FileOutcome,
) error {
	if *us == nil {
		s, err := c.up.GetUploadSession(ctx, ref)
		if err != nil {
			return err
		}

		*us = s
	}

	fi, err := c.up.UploadFile(ctx, t.Path, t.DestName, *us)
	if err != nil {
		var fsErr *b2.FilesystemError
		if !errors.As(err, &fsErr) {
			*us = nil
		}

		return err
	}

	o.File = fi

	return nil
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
