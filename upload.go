package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/bulk"
	"github.com/tonimelisma/b2-go/internal/ledger"
)

// errUploadIncomplete marks a bulk upload that ran to the end with some
// files failed. main maps it to a distinct exit status.
var errUploadIncomplete = errors.New("upload incomplete")

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <local-path> <bucket>",
		Short: "Upload a directory tree (or one file) to a bucket",
		Long: `Upload every regular file under a directory. Remote names are the paths
relative to the directory, with --prefix prepended. Symbolic links are never
followed.

Files are uploaded by a pool of workers, each with its own upload URL, and
each file is tried up to 4 times. Failed files are listed at the end and
recorded in the upload history (see "b2-go history").

--include and --exclude are regular expressions matched against the start of
the local path; --exclude wins. Directories may also hold an ignore file
(.b2ignore by default) with gitignore-style patterns for that directory.

With --watch, the tree is uploaded and then watched: new and changed files
are uploaded once they have been quiet for a moment, until interrupted.`,
		Args: cobra.ExactArgs(2),
		RunE: runUpload,
	}

	cmd.Flags().String("include", "", "only upload paths matching this regular expression")
	cmd.Flags().String("exclude", "", "skip paths matching this regular expression")
	cmd.Flags().String("prefix", "", "remote name prefix")
	cmd.Flags().Bool("sequential", false, "upload one file at a time and stop at the first failure")
	cmd.Flags().Int("workers", bulk.DefaultWorkers, "number of concurrent upload workers (overrides config)")
	cmd.Flags().Bool("watch", false, "keep uploading new and changed files until interrupted")
	cmd.Flags().Bool("no-ledger", false, "do not record this run in the upload history")
	cmd.Flags().String("ignore-marker", "", "per-directory ignore file name (overrides config)")
	cmd.Flags().Bool("no-ignore-marker", false, "do not consult per-directory ignore files")

	cmd.MarkFlagsMutuallyExclusive("sequential", "watch")

	return cmd
}

type uploadFlags struct {
	include, exclude, prefix string
	sequential, watch        bool
	noLedger                 bool
	ignoreMarker             string
	noIgnoreMarker           bool
}

func readUploadFlags(cmd *cobra.Command) uploadFlags {
	var f uploadFlags

	f.include, _ = cmd.Flags().GetString("include")
	f.exclude, _ = cmd.Flags().GetString("exclude")
	f.prefix, _ = cmd.Flags().GetString("prefix")
	f.sequential, _ = cmd.Flags().GetBool("sequential")
	f.watch, _ = cmd.Flags().GetBool("watch")
	f.noLedger, _ = cmd.Flags().GetBool("no-ledger")
	f.ignoreMarker, _ = cmd.Flags().GetString("ignore-marker")
	f.noIgnoreMarker, _ = cmd.Flags().GetBool("no-ignore-marker")

	return f
}

func runUpload(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())
	flags := readUploadFlags(cmd)

	filter, err := buildFilter(cc, flags)
	if err != nil {
		return err
	}

	client, err := cc.newClient()
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	opts := []bulk.Option{
		bulk.WithWorkers(cc.Cfg.UploadWorkers),
		bulk.WithLogger(cc.Logger),
	}

	if !flags.noLedger {
		store, ledgerErr := ledger.Open(ctx, cc.Cfg.LedgerPath, cc.Logger)
		if ledgerErr != nil {
			// History is a convenience; never block an upload on it.
			cc.Logger.Warn("upload history unavailable",
				slog.String("path", cc.Cfg.LedgerPath),
				slog.String("error", ledgerErr.Error()),
			)
		} else {
			defer store.Close()

			opts = append(opts, bulk.WithRecorder(store))
		}
	}

	bar := newUploadProgress(cc)
	if bar != nil {
		opts = append(opts, bulk.WithOutcomeHook(func(bulk.FileOutcome) { _ = bar.Add(1) }))
	}

	coord := bulk.NewCoordinator(client, opts...)
	req := bulk.Request{
		Root:       args[0],
		Bucket:     parseBucketArg(args[1]),
		Filter:     filter,
		Prefix:     flags.prefix,
		Sequential: flags.sequential,
	}

	var res *bulk.Result

	if flags.watch {
		cc.Statusf("Watching %s (Ctrl-C to stop)\n", args[0])
		res, err = coord.Watch(ctx, req)
	} else {
		res, err = coord.Run(ctx, req)
	}

	if bar != nil {
		_ = bar.Finish()
	}

	if res == nil {
		return err
	}

	if printErr := printUploadResult(cc, res); printErr != nil {
		return printErr
	}

	if err != nil {
		return err
	}

	if failed := len(res.Failed()); failed > 0 {
		return fmt.Errorf("%w: %d of %d files failed (run %s)", errUploadIncomplete, failed, res.Enqueued, res.ID)
	}

	return nil
}

func buildFilter(cc *CLIContext, flags uploadFlags) (*bulk.Filter, error) {
	filter, err := bulk.CompileFilter(flags.include, flags.exclude)
	if err != nil {
		return nil, err
	}

	if flags.noIgnoreMarker {
		return filter, nil
	}

	marker := cc.Cfg.IgnoreMarker
	if flags.ignoreMarker != "" {
		marker = flags.ignoreMarker
	}

	return filter.WithIgnoreMarker(marker), nil
}

// newUploadProgress returns a spinner counting finished files, or nil when
// stderr is not a terminal or output is quiet or JSON.
func newUploadProgress(cc *CLIContext) *progressbar.ProgressBar {
	if cc.Flags.Quiet || cc.Flags.JSON {
		return nil
	}

	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return nil
	}

	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
}

type uploadFailureJSON struct {
	Path     string `json:"path"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

type uploadResultJSON struct {
	RunID    string              `json:"runId"`
	Mode     string              `json:"mode"`
	Bucket   string              `json:"bucket"`
	Enqueued int                 `json:"enqueued"`
	Uploaded int                 `json:"uploaded"`
	Failed   []uploadFailureJSON `json:"failed"`
	Seconds  float64             `json:"seconds"`
}

func printUploadResult(cc *CLIContext, res *bulk.Result) error {
	failed := res.Failed()

	if cc.Flags.JSON {
		out := uploadResultJSON{
			RunID:    res.ID,
			Mode:     string(res.Mode),
			Bucket:   res.Bucket,
			Enqueued: res.Enqueued,
			Uploaded: res.Count(),
			Failed:   make([]uploadFailureJSON, 0, len(failed)),
			Seconds:  res.FinishedAt.Sub(res.StartedAt).Seconds(),
		}

		for _, o := range failed {
			out.Failed = append(out.Failed, uploadFailureJSON{Path: o.Path, Attempts: o.Attempts, Error: o.Err.Error()})
		}

		return printJSON(out)
	}

	cc.Statusf("Uploaded %d of %d files to %s in %s\n",
		res.Count(), res.Enqueued, res.Bucket, res.FinishedAt.Sub(res.StartedAt).Round(100*time.Millisecond))

	for _, o := range failed {
		fmt.Fprintf(os.Stderr, "  failed: %s after %d attempt(s): %v\n", o.Path, o.Attempts, o.Err)
	}

	return nil
}
