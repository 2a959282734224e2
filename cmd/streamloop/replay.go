package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/streamloop/aggregate"
	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/unifiedllm"
	"github.com/martinemde/streamloop/wire"
)

type replayFlags struct {
	provider string
	shape    string
}

// replayOutput is what replay prints.
type replayOutput struct {
	Message    unifiedllm.Message    `json:"message"`
	ToolCalls  []unifiedllm.ToolCall `json:"tool_calls"`
	Incomplete []incompleteCall      `json:"incomplete,omitempty"`
	Errors     []string              `json:"errors,omitempty"`
	Truncated  bool                  `json:"truncated,omitempty"`
	Events     int                   `json:"events"`
	StreamErr  string                `json:"stream_error,omitempty"`
}

type incompleteCall struct {
	unifiedllm.ToolCall
	Error string `json:"error"`
}

func newReplayCmd() *cobra.Command {
	var flags replayFlags
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Decode and aggregate a captured SSE body",
		Long: `Replay reads a captured server-sent event body, runs it through the wire
decoder and the delta aggregator, and prints the finalized message and tool
calls as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := telemetry.NewClueLogger()

			adapt, err := wire.AdapterFor(flags.provider)
			if err != nil {
				return err
			}
			shape := aggregate.ShapeForProvider(flags.provider)
			if flags.shape != "" {
				shape = aggregate.Shape(flags.shape)
			}
			if shape != aggregate.BlockLifecycle && shape != aggregate.IndexedDelta {
				return fmt.Errorf("unknown shape %q", flags.shape)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			events := wire.Stream(ctx, f, adapt, wire.WithLogger(logger))
			res, streamErr := aggregate.New(shape, aggregate.WithLogger(logger)).Run(ctx, events)

			out := replayOutput{
				Message:   res.Message,
				ToolCalls: res.ToolCalls,
				Truncated: res.Truncated,
				Events:    res.Events,
			}
			for _, c := range res.Incomplete {
				ic := incompleteCall{ToolCall: c}
				if c.Err != nil {
					ic.Error = c.Err.Error()
				}
				out.Incomplete = append(out.Incomplete, ic)
			}
			for _, e := range res.Errors {
				out.Errors = append(out.Errors, e.Error())
			}
			if streamErr != nil {
				out.StreamErr = streamErr.Error()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVarP(&flags.provider, "provider", "p", "anthropic", "Wire format: anthropic, openai or canonical")
	cmd.Flags().StringVar(&flags.shape, "shape", "", "Aggregation shape: block_lifecycle or indexed_delta (default: from provider)")
	return cmd
}
