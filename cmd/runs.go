package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect import run history",
	Long:  "Commands for listing, viewing, and deleting import runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		assetID, _ := cmd.Flags().GetString("asset")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:  model.RunStatus(status),
			AssetID: assetID,
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its stage results, skips, and logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		stages, err := st.ListStageResults(ctx, run.ID)
		if err != nil {
			return err
		}
		skips, err := st.ListSkippedRows(ctx, run.ID, 50, 0)
		if err != nil {
			return err
		}
		logs, err := st.ListLogs(ctx, run.ID, 50, 0)
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"run": run, "stages": stages, "skipped_rows": skips, "logs": logs,
			})
		}

		formatRunDetail(os.Stdout, run, stages)
		if len(skips) > 0 {
			fmt.Println("\nSkipped rows:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "POS\tREASON\tRAW")
			for _, sk := range skips {
				raw := sk.Raw
				if len(raw) > 60 {
					raw = raw[:57] + "..."
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", sk.Position, sk.Reason, raw)
			}
			_ = w.Flush()
		}
		return nil
	},
}

// -- runs delete --

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run and its imported rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := st.DeleteRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs delete")
		}
		fmt.Printf("deleted: %d spend rows, %d skipped rows\n",
			res.SpendRowsDeleted, res.SkippedRowsDeleted)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, running, succeeded, failed, deleted)")
	runsListCmd.Flags().String("asset", "", "filter by asset id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Bool("json", false, "emit JSON instead of a table")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tASSET\tSTATUS\tDRY\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t---\t-------\t--------")

	for _, r := range runs {
		dur := ""
		if r.StartedAt != nil && r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(*r.StartedAt).Round(time.Second).String()
		}
		dry := ""
		if r.DryRun {
			dry = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			truncateID(r.AssetID),
			r.Status,
			dry,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunDetail writes a run header and its stage table to w.
func formatRunDetail(out io.Writer, run *model.Run, stages []model.StageResult) {
	fmt.Fprintf(out, "Run %s  status=%s", run.ID, run.Status)
	if run.Error != "" {
		fmt.Fprintf(out, "  error=%q", run.Error)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tPROCESSED\tSKIPPED\tMATCHED\tERROR")
	for _, sr := range stages {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			sr.Stage, sr.Status, sr.Processed, sr.Skipped, sr.Matched, sr.Error)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
