package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/store"
)

var suppliersCmd = &cobra.Command{
	Use:   "suppliers",
	Short: "Inspect and resolve supplier records",
}

// -- suppliers list --

var suppliersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supplier records by match status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		query, _ := cmd.Flags().GetString("query")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := st.ListCounterparties(ctx, store.CounterpartyFilter{
			Kind:   model.KindSupplier,
			Status: model.MatchStatus(status),
			Query:  query,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "suppliers list")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No suppliers found.")
			return nil
		}
		formatCounterparties(os.Stdout, recs)
		return nil
	},
}

// -- suppliers link --

var suppliersLinkCmd = &cobra.Command{
	Use:   "link <counterparty-id> <entity-type> <registry-id>",
	Short: "Manually link a supplier to a registry entry",
	Long:  "Overrides the match engine: links the record to the given registry id with full confidence and marks it manually verified.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Store.GetCounterparty(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "suppliers link")
		}

		name, _ := cmd.Flags().GetString("name")
		out, err := env.Engine.ManualLink(ctx, rec, model.EntityType(args[1]), args[2], name)
		if err != nil {
			return eris.Wrap(err, "suppliers link")
		}

		fmt.Printf("linked %q to entity %s (status=%s)\n", rec.Name, out.EntityID, out.Status)
		if out.Merged {
			fmt.Printf("merged into existing record %s\n", out.MergedInto)
		}
		return nil
	},
}

func init() {
	suppliersListCmd.Flags().String("status", "", "filter by match status (pending, matched, no_match)")
	suppliersListCmd.Flags().String("query", "", "substring match on supplier name")
	suppliersListCmd.Flags().Int("limit", 50, "max number of records to display")

	suppliersLinkCmd.Flags().String("name", "", "entity display name (fetched from the registry when omitted)")

	suppliersCmd.AddCommand(suppliersListCmd)
	suppliersCmd.AddCommand(suppliersLinkCmd)
	rootCmd.AddCommand(suppliersCmd)
}

func formatCounterparties(out io.Writer, recs []model.RawCounterparty) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCONFIDENCE\tVERIFIED\tENTITY")
	for _, rec := range recs {
		conf := ""
		if rec.MatchConfidence != nil {
			conf = fmt.Sprintf("%.2f", *rec.MatchConfidence)
		}
		verified := ""
		if rec.ManuallyVerified {
			verified = "yes"
		}
		name := rec.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(rec.ID), name, rec.MatchStatus, conf, verified, truncateID(rec.EntityID))
	}
	_ = w.Flush()
}
