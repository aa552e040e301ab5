package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/ledger"
)

const defaultHistoryLimit = 20

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past bulk uploads",
		Long: `Without arguments, list recent bulk upload runs. With a run ID, list the
files of that run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", defaultHistoryLimit, "number of runs to show (0 = all)")
	cmd.Flags().Bool("failed", false, "with a run ID, show only failed files")
	cmd.Flags().Duration("prune", 0, "delete runs older than this duration, then list")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cc := cliContextFrom(cmd.Context())
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	failedOnly, _ := cmd.Flags().GetBool("failed")
	prune, _ := cmd.Flags().GetDuration("prune")

	if _, err := os.Stat(cc.Cfg.LedgerPath); os.IsNotExist(err) && prune == 0 {
		cc.Statusf("No upload history yet.\n")

		if cc.Flags.JSON {
			return printJSON([]any{})
		}

		return nil
	}

	store, err := ledger.Open(ctx, cc.Cfg.LedgerPath, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if prune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-prune))
		if err != nil {
			return err
		}

		cc.Statusf("Pruned %d run(s)\n", n)
	}

	if len(args) == 1 {
		return showRun(ctx, cc, store, args[0], failedOnly)
	}

	runs, err := store.Runs(ctx, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if runs == nil {
			runs = []ledger.RunRecord{}
		}

		return printJSON(runs)
	}

	rows := make([][]string, 0, len(runs))
	for i := range runs {
		r := &runs[i]
		rows = append(rows, []string{
			r.ID,
			formatTime(r.StartedAt),
			string(r.Mode),
			r.Bucket,
			strconv.Itoa(r.Uploaded) + "/" + strconv.Itoa(r.Enqueued),
			strconv.Itoa(r.Failed),
			r.Root,
		})
	}

	printTable(os.Stdout, []string{"RUN", "STARTED", "MODE", "BUCKET", "UPLOADED", "FAILED", "ROOT"}, rows)

	return nil
}

func showRun(ctx context.Context, cc *CLIContext, store *ledger.Store, runID string, failedOnly bool) error {
	run, err := store.Run(ctx, runID)
	if err != nil {
		return err
	}

	var outcomes []ledger.OutcomeRecord

	if failedOnly {
		outcomes, err = store.Failed(ctx, runID)
	} else {
		outcomes, err = store.Outcomes(ctx, runID)
	}

	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if outcomes == nil {
			outcomes = []ledger.OutcomeRecord{}
		}

		return printJSON(struct {
			Run      ledger.RunRecord       `json:"run"`
			Outcomes []ledger.OutcomeRecord `json:"outcomes"`
		}{run, outcomes})
	}

	finished := "in progress or interrupted"
	if run.Finished() {
		finished = formatTime(run.FinishedAt)
	}

	fmt.Fprintf(os.Stdout, "Run %s: %s %s -> %s, started %s, finished %s\n",
		run.ID, run.Mode, run.Root, run.Bucket, formatTime(run.StartedAt), finished)

	rows := make([][]string, 0, len(outcomes))
	for i := range outcomes {
		o := &outcomes[i]

		status := "ok"
		if !o.OK() {
			status = "FAILED: " + o.Error
		}

		rows = append(rows, []string{o.DestName, strconv.Itoa(o.Attempts), status})
	}

	printTable(os.Stdout, []string{"NAME", "ATTEMPTS", "STATUS"}, rows)

	return nil
}
