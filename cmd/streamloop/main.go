package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	if err := fang.Execute(context.Background(), newRootCmd(), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	debug     bool
	logFormat string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "streamloop",
		Short: "Stream LLM turns, reconstruct tool calls, and drive the agent loop",
		Long: `streamloop decodes provider server-sent event streams into canonical events,
folds them into complete assistant messages and tool calls, dispatches those
calls, and feeds the results back until the model stops asking for tools.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SetContext(logContext(cmd.Context(), flags))
		},
	}
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logs")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: terminal, text or json (default: terminal on a TTY, json otherwise)")

	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newRunCmd(&flags))
	cmd.AddCommand(newModelsCmd())
	return cmd
}

// logContext sets up clue logging on ctx.
func logContext(ctx context.Context, flags rootFlags) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	switch flags.logFormat {
	case "terminal":
		format = log.FormatTerminal
	case "text":
		format = log.FormatText
	case "json":
	default:
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(os.Stderr))
	if flags.debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
