// Package unifiedllm holds the provider-independent model shared by the
// stream decoder, the aggregators, the tool dispatcher and the agent loop.
//
// # Events
//
// Every provider frame is mapped onto a single canonical Event union:
//
//	Start, BlockStart(index, kind), BlockDelta(index, payload), BlockStop(index),
//	TurnDelta(stopReason), TurnStop, Ping, Error(message)
//
// Aggregators fold those events into a Message whose Content is ordered by
// block index.
//
// # Errors
//
// All errors embed SDKError and unwrap to their cause. Decode and aggregation
// errors are local and recoverable; StreamError and AbortError end a turn.
// Tool errors are converted to error results before they reach the loop.
//
//	var agg *unifiedllm.AggregationError
//	if errors.As(call.Err, &agg) {
//	    fmt.Println(agg.Index, agg.CallID)
//	}
//
// # Model Catalog
//
// A small catalog maps model identifiers to providers and stream shapes:
//
//	info := unifiedllm.GetModelInfo("sonnet")
//	shape := unifiedllm.ShapeForProvider(info.Provider)
package unifiedllm
