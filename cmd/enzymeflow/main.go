// =============================================================================
// enzymeflow 主入口
// =============================================================================
// 使用方法:
//
//	enzymeflow run --workflow upo.yaml --run-id upo-001
//	enzymeflow run --run-id upo-001 --resume --force strategy
//	enzymeflow threads list --tag literature_review
//	enzymeflow manifest show upo-001
//	enzymeflow schema thread
// =============================================================================

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errRunFailed 运行结束但有步骤失败；报告已输出，只需要非零退出码
var errRunFailed = errors.New("one or more steps failed")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute 运行命令树并返回退出码
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// globalOptions 所有子命令共享的参数
type globalOptions struct {
	configPath string
	logLevel   string
	root       string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "enzymeflow",
		Short:         "Enzyme engineering workflow orchestrator",
		Long:          "Runs literature, pocket and design-strategy steps over a shared data root, with conversation threads and a per-run manifest.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "enzymeflow.yaml", "Path to config file (YAML); missing file means defaults")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.root, "root", "", "Data root name (default: storage.default_root)")

	root.AddCommand(
		newRunCmd(opts),
		newThreadsCmd(opts),
		newManifestCmd(opts),
		newSchemaCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "enzymeflow %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}
