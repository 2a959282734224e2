// Package agentloop drives a model through repeated streaming turns,
// dispatching the tool calls each turn requests and feeding the results back
// until the model stops asking for tools or the turn budget runs out.
//
// The loop owns the conversation tail it appends to. Each turn streams
// canonical events from a Provider, folds them with an aggregate.Aggregator,
// appends exactly one assistant message, and then, when the model asked for
// tools, one tool message per call. Turn k+1 is only requested after every
// message of turn k has been handed to the Sink.
//
// # States
//
//	Idle -> Streaming -> AwaitingToolResults -> Streaming -> ... -> Completed
//	                 \-> Completed
//	*                 -> Failed(reason)
//
// Reaching the turn limit with tool calls still pending ends the loop in
// Completed with Reason "turn limit reached". It is not a failure.
//
// # Quick Start
//
//	registry := dispatch.NewRegistry()
//	registry.RegisterFunc("get_weather", "Current weather", schema, handler)
//
//	loop := agentloop.New(provider, registry,
//	    agentloop.WithModel("claude-sonnet-4-5"),
//	    agentloop.WithTools(registry.Definitions()),
//	    agentloop.WithMaxTurns(5),
//	    agentloop.WithObserver(256),
//	)
//	defer loop.Close()
//
//	out := loop.Run(ctx, []unifiedllm.Message{unifiedllm.UserMessage("Weather in Paris?")})
//	if out.State == agentloop.StateFailed {
//	    log.Fatal(out.Reason)
//	}
package agentloop
