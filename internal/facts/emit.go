package facts

import (
	"context"
	"time"
)

// Predicate names declared in schema.mg.
const (
	PredNavigation = "navigation_event"
	PredSnapshot   = "snapshot_taken"
	PredDispatch   = "dispatch"
	PredBatchStep  = "batch_step"
	PredConsole    = "console_event"
)

func NavigationEvent(pageID, url string, at time.Time) Fact {
	return Fact{Predicate: PredNavigation, Args: []interface{}{pageID, url, at.UnixMilli()}, Timestamp: at}
}

func SnapshotTaken(pageID, format string, count int, hash string, at time.Time) Fact {
	return Fact{Predicate: PredSnapshot, Args: []interface{}{pageID, format, count, hash, at.UnixMilli()}, Timestamp: at}
}

// Dispatch records how an action reached its target. path is "fast" or
// "fallback".
func Dispatch(pageID, action, target, path string, at time.Time) Fact {
	return Fact{Predicate: PredDispatch, Args: []interface{}{pageID, action, target, path, at.UnixMilli()}, Timestamp: at}
}

func BatchStep(pageID, batchID string, index int, tool, status string, at time.Time) Fact {
	return Fact{Predicate: PredBatchStep, Args: []interface{}{pageID, batchID, index, tool, status, at.UnixMilli()}, Timestamp: at}
}

func ConsoleEvent(pageID, level, message string, at time.Time) Fact {
	return Fact{Predicate: PredConsole, Args: []interface{}{pageID, level, message, at.UnixMilli()}, Timestamp: at}
}

// Emit forwards facts to sink. A nil sink drops them.
func Emit(ctx context.Context, sink Sink, facts ...Fact) error {
	if sink == nil || len(facts) == 0 {
		return nil
	}
	return sink.AddFacts(ctx, facts)
}
