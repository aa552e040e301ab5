// Package bulk uploads directory trees to a B2 bucket: a bounded pool of
// workers, each holding its own upload session, consumes paths produced by a
// tree walk (or a filesystem watch) and retries each file a fixed number of
// times before recording it as failed.
package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// Fixed retry policy for concurrent uploads.
const (
	MaxAttempts  = 4
	RetryBackoff = 1 * time.Second
)

// DefaultWorkers is the worker count when none is configured.
const DefaultWorkers = 12

// Uploader is the slice of the B2 client the coordinator needs. *b2.Client
// satisfies it.
type Uploader interface {
	GetBucket(ctx context.Context, ref b2.BucketRef) (*b2.Bucket, error)
	GetUploadSession(ctx context.Context, ref b2.BucketRef) (*b2.UploadSession, error)
	UploadFile(ctx context.Context, localPath, destName string, us *b2.UploadSession) (*b2.FileInfo, error)
}

// Recorder persists run history. Recorder errors are logged and never fail
// a run. Implementations must be safe for concurrent RecordOutcome calls.
type Recorder interface {
	StartRun(ctx context.Context, run Run) error
	RecordOutcome(ctx context.Context, runID string, o FileOutcome) error
	FinishRun(ctx context.Context, res *Result) error
}

// Mode is how a run was carried out.
type Mode string

// Run modes.
const (
	ModeSingle     Mode = "single"
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
	ModeWatch      Mode = "watch"
)

// Phase is the coordinator's position in a concurrent run. Phases only move
// forward within a run.
type Phase int32

// Concurrent run phases.
const (
	PhaseIdle Phase = iota
	PhaseWorkersStarting
	PhaseDraining
	PhaseWorkersJoining
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWorkersStarting:
		return "workers_starting"
	case PhaseDraining:
		return "draining"
	case PhaseWorkersJoining:
		return "workers_joining"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Request describes one bulk upload.
type Request struct {
	Root   string
	Bucket b2.BucketRef
	Filter *Filter // nil uploads everything

	// Prefix is prepended to each file's root-relative remote name.
	Prefix string

	// Sequential uploads inline on the calling goroutine with one session
	// and stops at the first failure.
	Sequential bool
}

// Task is one file to upload. Immutable once enqueued.
type Task struct {
	Path     string
	DestName string
}

// Run identifies a run for recorders.
type Run struct {
	ID        string
	Root      string
	Bucket    string
	Mode      Mode
	StartedAt time.Time
}

// FileOutcome is the final state of one file.
type FileOutcome struct {
	Path     string
	DestName string
	Attempts int
	File     *b2.FileInfo // set on success
	Err      error        // set on failure
}

// OK reports whether the file was uploaded.
func (o FileOutcome) OK() bool {
	return o.Err == nil
}

// Result is the per-file report of a run.
type Result struct {
	Run

	Enqueued   int
	FinishedAt time.Time

	mu       sync.Mutex
	outcomes []FileOutcome
}

func newResult(run Run) *Result {
	return &Result{Run: run}
}

func (r *Result) add(o FileOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

// Outcomes returns a copy of every recorded outcome in completion order.
func (r *Result) Outcomes() []FileOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]FileOutcome, len(r.outcomes))
	copy(out, r.outcomes)

	return out
}

// Uploaded returns the successful outcomes.
func (r *Result) Uploaded() []FileOutcome {
	return r.filter(true)
}

// Failed returns the unsuccessful outcomes.
func (r *Result) Failed() []FileOutcome {
	return r.filter(false)
}

// Count is the number of files uploaded.
func (r *Result) Count() int {
	return len(r.Uploaded())
}

func (r *Result) filter(ok bool) []FileOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []FileOutcome

	for _, o := range r.outcomes {
		if o.OK() == ok {
			out = append(out, o)
		}
	}

	return out
}
