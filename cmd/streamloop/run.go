package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/martinemde/streamloop/agentloop"
	"github.com/martinemde/streamloop/config"
	"github.com/martinemde/streamloop/dispatch"
	"github.com/martinemde/streamloop/store"
	"github.com/martinemde/streamloop/telemetry"
	"github.com/martinemde/streamloop/transport"
	"github.com/martinemde/streamloop/unifiedllm"
)

type runFlags struct {
	conversation string
	model        string
	provider     string
	maxTurns     int
	quiet        bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run PROMPT",
		Short: "Run the agent loop on a prompt",
		Long: `Run loads configuration, connects the configured provider and MCP tool
servers, and drives the agent loop until the model stops requesting tools or
the turn limit is reached. Every message is persisted to the SQLite store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if flags.model != "" {
				cfg.Model = flags.model
			}
			if flags.provider != "" {
				cfg.Provider = flags.provider
			}
			if flags.maxTurns > 0 {
				cfg.MaxTurns = flags.maxTurns
			}
			ctx := cmd.Context()
			if cfg.Debug && !root.debug {
				ctx = log.Context(ctx, log.WithDebug())
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if flags.quiet {
				out = io.Discard
			}
			outcome, err := run(ctx, cfg, flags.conversation, args[0], out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s: %s after %d turns, %d in / %d out tokens]\n",
				outcome.State, outcome.Reason, outcome.Turns, outcome.Usage.InputTokens, outcome.Usage.OutputTokens)
			if outcome.State == agentloop.StateFailed {
				return outcome.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.conversation, "conversation", "c", "", "Continue an existing conversation by ID")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "Model identifier (overrides config)")
	cmd.Flags().StringVar(&flags.provider, "provider", "", "Provider: anthropic, openai, openai_compatible or gollm (overrides config)")
	cmd.Flags().IntVar(&flags.maxTurns, "max-turns", 0, "Turn limit (overrides config)")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "Do not stream assistant text to stdout")
	return cmd
}

// run wires the configured collaborators around one agent loop.
func run(ctx context.Context, cfg *config.Config, conversationID, prompt string, out io.Writer) (agentloop.Outcome, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOtelMetrics()

	provider, err := buildProvider(cfg, logger, metrics)
	if err != nil {
		return agentloop.Outcome{}, err
	}

	executor, tools, closeTools, err := buildTools(ctx, cfg, logger)
	if err != nil {
		return agentloop.Outcome{}, err
	}
	defer closeTools()

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return agentloop.Outcome{}, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return agentloop.Outcome{}, err
	}
	defer db.Close()

	var history []unifiedllm.Message
	if conversationID == "" {
		if conversationID, err = db.NewConversation(ctx, title(prompt)); err != nil {
			return agentloop.Outcome{}, err
		}
	} else if history, err = db.Messages(ctx, conversationID); err != nil {
		return agentloop.Outcome{}, err
	}
	sink := db.Sink(conversationID)
	user := unifiedllm.UserMessage(prompt)
	if err := sink.Append(ctx, user); err != nil {
		return agentloop.Outcome{}, err
	}
	history = append(history, user)
	log.Info(ctx, log.KV{K: "msg", V: "conversation"}, log.KV{K: "id", V: conversationID}, log.KV{K: "history", V: len(history)})

	loopOpts, err := cfg.LoopOptions()
	if err != nil {
		return agentloop.Outcome{}, err
	}
	dispatchOpts := append(cfg.DispatchOptions(), dispatch.WithLogger(logger), dispatch.WithMetrics(metrics))
	loopOpts = append(loopOpts,
		agentloop.WithTools(tools),
		agentloop.WithDispatcher(dispatch.New(executor, dispatchOpts...)),
		agentloop.WithSink(sink),
		agentloop.WithObserver(0),
		agentloop.WithLogger(logger),
		agentloop.WithMetrics(metrics),
		agentloop.WithTracer(telemetry.NewOtelTracer()),
	)
	loop := agentloop.New(provider, executor, loopOpts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(loop.Events(), out)
	}()
	outcome := loop.Run(ctx, history)
	loop.Close()
	<-done
	return outcome, nil
}

// buildProvider selects the transport for cfg.Provider.
func buildProvider(cfg *config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (transport.Provider, error) {
	var provider transport.Provider
	switch cfg.Provider {
	case "gollm":
		backend := "openai"
		if info := unifiedllm.GetModelInfo(cfg.Model); info != nil {
			backend = info.Provider
		}
		p, err := transport.NewGollmProvider(backend, cfg.TransportOptions(logger, metrics)...)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		dialect, err := transport.DialectFor(cfg.Provider)
		if err != nil {
			return nil, err
		}
		provider = transport.NewHTTPProvider(dialect, cfg.TransportOptions(logger, metrics)...)
	}
	if cfg.RequestsPerMinute > 0 {
		provider = transport.RateLimited(provider, cfg.RequestsPerMinute)
	}
	return provider, nil
}

// buildTools starts the configured MCP servers and merges their tools.
func buildTools(ctx context.Context, cfg *config.Config, logger telemetry.Logger) (dispatch.ToolExecutor, []unifiedllm.ToolDefinition, func(), error) {
	var (
		executors dispatch.Multi
		defs      []unifiedllm.ToolDefinition
		started   []*dispatch.MCPExecutor
	)
	closeAll := func() {
		for _, e := range started {
			_ = e.Close()
		}
	}
	for _, srv := range cfg.MCPServers {
		e, err := dispatch.StartMCP(ctx, srv)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		started = append(started, e)
		serverDefs, err := e.Definitions(ctx)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		logger.Info(ctx, "mcp server ready", "server", srv.Name, "tools", len(serverDefs))
		executors = append(executors, e)
		defs = append(defs, serverDefs...)
	}
	// An empty registry answers every call with "Unknown tool".
	executors = append(executors, dispatch.NewRegistry())
	return executors, defs, closeAll, nil
}

// printEvents streams assistant text and tool activity to out.
func printEvents(events <-chan agentloop.LoopEvent, out io.Writer) {
	for ev := range events {
		switch ev.Kind {
		case agentloop.EventTextDelta:
			fmt.Fprint(out, ev.Data["text"])
		case agentloop.EventToolCallStart:
			fmt.Fprintf(out, "\n→ %v\n", ev.Data["name"])
		case agentloop.EventToolCallEnd:
			if isErr, _ := ev.Data["is_error"].(bool); isErr {
				fmt.Fprintf(out, "✗ %v failed\n", ev.Data["name"])
			}
		case agentloop.EventWarning, agentloop.EventLoopDetected:
			fmt.Fprintf(out, "\n! %s %v\n", ev.Kind, ev.Data)
		}
	}
}

func title(prompt string) string {
	const limit = 60
	r := []rune(prompt)
	if len(r) <= limit {
		return prompt
	}
	return string(r[:limit-1]) + "…"
}
