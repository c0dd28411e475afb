package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/enzymeflow/manifest"
	"github.com/BaSui01/enzymeflow/types"
)

func newManifestCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect run manifests and artifact provenance",
	}
	index := &cobra.Command{
		Use:   "index",
		Short: "Maintain the SQL index of manifest entries",
	}
	index.AddCommand(newIndexRebuildCmd(g), newIndexProducersCmd(g))
	cmd.AddCommand(newManifestShowCmd(g), newManifestHistoryCmd(g), index)
	return cmd
}

// openExisting 只打开已存在的清单，避免为拼错的运行 ID 建目录
func openExisting(a *app, runID string) (*manifest.Manifest, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	path, err := a.manifestPath(runID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, types.Errorf(types.ErrArtifactNotFound, "no manifest for run %s at %s", runID, path)
	}
	return manifest.Open(path, runID, manifest.WithLogger(a.logger))
}

func newManifestShowCmd(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "List the entries of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := openExisting(a, args[0])
			if err != nil {
				return err
			}
			entries := m.Entries()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tSTEP\tSTATUS\tDURATION\tOUTPUTS\tERROR")
			for _, e := range entries {
				outs := make([]string, 0, len(e.Outputs))
				for _, o := range e.Outputs {
					outs = append(outs, o.Name+"@"+o.ShortHash())
				}
				msg := ""
				if e.Error != nil {
					msg = e.Error.Code + " " + e.Error.Message
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.StepID, e.Status, e.Duration().Round(time.Millisecond), strings.Join(outs, " "), msg)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newManifestHistoryCmd(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <run-id> <step-id> <output>",
		Short: "Trace the chain of steps that produced an output",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := openExisting(a, args[0])
			if err != nil {
				return err
			}
			e, ok := m.LastSuccess(args[1])
			if !ok {
				return types.Errorf(types.ErrArtifactNotFound, "step %s has no successful entry in run %s", args[1], args[0])
			}
			ref, ok := e.Output(args[2])
			if !ok {
				return types.Errorf(types.ErrArtifactNotFound, "step %s has no output %q", args[1], args[2])
			}
			tree := m.HistoryFor(ref, a.store())
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tree)
			}
			out := cmd.OutOrStdout()
			tree.Walk(func(n *manifest.Node, depth int) {
				producer := "external"
				if n.Producer != nil {
					producer = fmt.Sprintf("%s #%d", n.Producer.StepID, n.Producer.Sequence)
				}
				line := fmt.Sprintf("%s%s %s@%s [%s] <- %s", strings.Repeat("  ", depth), n.Ref.Name, n.Ref.Location(), n.Ref.ShortHash(), n.Status, producer)
				if n.Repeated {
					line += " (see above)"
				}
				fmt.Fprintln(out, line)
			})
			if missing := tree.Missing(); len(missing) > 0 {
				fmt.Fprintf(out, "%d artifact version(s) no longer in storage\n", len(missing))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newIndexRebuildCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <run-id>...",
		Short: "Re-index runs from their manifest files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			idx, err := a.index(cmd.Context())
			if err != nil {
				return err
			}
			for _, runID := range args {
				m, err := openExisting(a, runID)
				if err != nil {
					return err
				}
				n, err := idx.Rebuild(cmd.Context(), m)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries indexed\n", runID, n)
			}
			return nil
		},
	}
}

func newIndexProducersCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "producers <content-hash>",
		Short: "List the entries, across runs, that produced an artifact version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			idx, err := a.index(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := idx.ProducersOf(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		},
	}
}
