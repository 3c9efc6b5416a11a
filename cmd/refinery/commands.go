package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/types"
	"github.com/refinerylabs/refinery/workflow"
)

func parseMoleculeID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid molecule ID %q: %w", arg, err)
	}
	return id, nil
}

func newSubmitCmd() *cobra.Command {
	var start bool
	cmd := &cobra.Command{
		Use:   "submit <definition.yaml>",
		Short: "Validate and register a molecule definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := workflow.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}
			m, err = engine.Submit(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Printf("registered molecule %d (%s) with %d steps\n", m.ID, m.Name, len(m.Steps))
			if start {
				if m, err = engine.Start(cmd.Context(), m.ID); err != nil {
					return err
				}
				fmt.Printf("molecule %d is %s\n", m.ID, m.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "activate the molecule immediately")
	return cmd
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <molecule-id>",
		Short: "Activate a draft molecule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMoleculeID(args[0])
			if err != nil {
				return err
			}
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := engine.Start(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("molecule %d is %s\n", m.ID, m.Status)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [molecule-id]",
		Short: "Show molecule progress, or list all molecules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 0 {
				molecules, err := engine.Molecules(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tDEGRADED\tSTEPS")
				for _, m := range molecules {
					fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%d\n", m.ID, m.Name, m.Status, m.Degraded, len(m.Steps))
				}
				return w.Flush()
			}

			id, err := parseMoleculeID(args[0])
			if err != nil {
				return err
			}
			m, err := engine.Molecule(cmd.Context(), id)
			if err != nil {
				return err
			}
			printMolecule(cmd, m)
			return nil
		},
	}
}

func printMolecule(cmd *cobra.Command, m types.Molecule) {
	fmt.Fprintf(cmd.OutOrStdout(), "molecule %d (%s): %s", m.ID, m.Name, m.Status)
	if m.Degraded {
		fmt.Fprint(cmd.OutOrStdout(), " [degraded]")
	}
	fmt.Fprintln(cmd.OutOrStdout())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tGATE\tREQUIRES")
	for _, step := range m.Steps {
		gateID := step.GateID
		if gateID == "" {
			gateID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n", step.ID, step.Status, step.Attempts, gateID, step.Requires)
	}
	w.Flush()
}

func newGatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gates",
		Short: "List gates awaiting a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			pending, err := engine.PendingGates(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending gates")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GATE\tMOLECULE\tSTEP\tMODE")
			for _, g := range pending {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", g.ID, g.MoleculeID, g.StepID, g.Mode)
			}
			return w.Flush()
		},
	}
}

func newDecideCmd(name string, approved bool) *cobra.Command {
	var rationale, decider string
	cmd := &cobra.Command{
		Use:   name + " <gate-id>",
		Short: fmt.Sprintf("Record a %s decision on a pending gate", name),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			g, err := engine.DecideGate(cmd.Context(), args[0], approved, rationale, decider)
			if err != nil {
				return err
			}
			fmt.Printf("gate %s: %s by %s\n", g.ID, g.Decision, g.DecidedBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&rationale, "rationale", "", "reason for the decision")
	cmd.Flags().StringVar(&decider, "by", "operator", "deciding actor")
	if !approved {
		_ = cmd.MarkFlagRequired("rationale")
	}
	return cmd
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <molecule-id>",
		Short: "Abort an active molecule, dropping its queued work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMoleculeID(args[0])
			if err != nil {
				return err
			}
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := engine.Abort(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("molecule %d is %s\n", m.ID, m.Status)
			return nil
		},
	}
}

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <molecule-id>",
		Short: "Archive a terminal molecule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMoleculeID(args[0])
			if err != nil {
				return err
			}
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := engine.Archive(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("molecule %d archived\n", id)
			return nil
		},
	}
}

func newActorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actors",
		Short: "List registered actors and their queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			actors, err := engine.Actors(cmd.Context())
			if err != nil {
				return err
			}
			depths := engine.QueueDepths()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTOR\tTIER\tCAPABILITIES\tDEPTH")
			for _, a := range actors {
				fmt.Fprintf(w, "%s\t%d\t%v\t%d\n", a.ID, a.Tier, a.Capabilities, depths[a.ID])
			}
			return w.Flush()
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <molecule-id>",
		Short: "Rebuild a molecule's state from its checkpoint and ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMoleculeID(args[0])
			if err != nil {
				return err
			}
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := engine.Recover(cmd.Context(), id)
			if err != nil {
				return err
			}
			printMolecule(cmd, m)
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <molecule-id>",
		Short: "Verify a molecule's ledger digest chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMoleculeID(args[0])
			if err != nil {
				return err
			}
			engine, cleanup, err := buildEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := engine.LedgerEntries(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := ledger.Verify(entries); err != nil {
				return err
			}
			fmt.Printf("ledger for molecule %d: %d entries, chain intact\n", id, len(entries))
			return nil
		},
	}
}
