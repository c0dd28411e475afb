package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/enzymeflow/threads"
	"github.com/BaSui01/enzymeflow/types"
)

func newThreadsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect and maintain conversation threads",
	}
	cmd.AddCommand(
		newThreadsListCmd(g),
		newThreadsShowCmd(g),
		newThreadsRenderCmd(g),
		newThreadsLookupCmd(g),
		newThreadsBundleCmd(g),
		newThreadsDeleteCmd(g),
	)
	return cmd
}

// withMemory 加载配置、打开线程记忆后执行 fn
func withMemory(cmd *cobra.Command, g *globalOptions, fn func(a *app, mem *threads.Memory) error) error {
	a, err := loadApp(g)
	if err != nil {
		return err
	}
	defer a.close()
	mem, err := a.memory(cmd.Context())
	if err != nil {
		return err
	}
	return fn(a, mem)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newThreadsListCmd(g *globalOptions) *cobra.Command {
	var tag string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMemory(cmd, g, func(_ *app, mem *threads.Memory) error {
				infos, err := mem.List(cmd.Context(), tag)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), infos)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TAG\tTHREAD\tTURNS\tUPDATED\tTITLE")
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						info.ProcessTag, info.ThreadID, info.Turns, info.UpdatedAt.Format(time.RFC3339), info.Title)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Only threads of this process tag")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newThreadsShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <tag> <thread-id>",
		Short: "Print a thread document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, g, func(_ *app, mem *threads.Memory) error {
				t, err := mem.Load(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func newThreadsRenderCmd(g *globalOptions) *cobra.Command {
	var budget int
	cmd := &cobra.Command{
		Use:   "render <tag> <thread-id>",
		Short: "Render the thread as model context within a budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, g, func(a *app, mem *threads.Memory) error {
				b := budget
				if b <= 0 {
					b = a.cfg.Threads.DefaultBudget
				}
				text, err := mem.RenderContext(cmd.Context(), args[0], args[1], b)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&budget, "budget", 0, "Budget in counter units (default: threads.default_budget)")
	return cmd
}

func newThreadsLookupCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <tag> <thread-id> <seq>",
		Short: "Show one turn verbatim, or the summary that covers it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.Atoi(args[2])
			if err != nil {
				return types.Errorf(types.ErrInvalidInput, "turn sequence %q is not a number", args[2])
			}
			return withMemory(cmd, g, func(_ *app, mem *threads.Memory) error {
				res, err := mem.Lookup(cmd.Context(), args[0], args[1], seq)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newThreadsBundleCmd(g *globalOptions) *cobra.Command {
	var noFiles bool
	var maxChars int
	cmd := &cobra.Command{
		Use:   "bundle <ref>",
		Short: "Build a context bundle from a thread reference (tag_id, file name or path)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, g, func(a *app, mem *threads.Memory) error {
				base, err := a.resolver.RootPath(a.root)
				if err != nil {
					return err
				}
				if maxChars <= 0 {
					maxChars = a.cfg.Threads.MaxCharsPerFile
				}
				b, err := mem.ContextBundle(cmd.Context(), args[0], threads.BundleOptions{
					IncludeFiles:    !noFiles,
					MaxCharsPerFile: maxChars,
					BaseDir:         base,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), b.Text())
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&noFiles, "no-files", false, "Do not read files referenced in turn metadata")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "Characters per referenced file (default: threads.max_chars_per_file)")
	return cmd
}

func newThreadsDeleteCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tag> <thread-id>",
		Short: "Delete a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, g, func(_ *app, mem *threads.Memory) error {
				if err := mem.Delete(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s_%s\n", threads.SanitizeTag(args[0]), args[1])
				return nil
			})
		},
	}
}
