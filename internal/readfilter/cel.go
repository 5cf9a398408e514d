package readfilter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/flowstream/internal/streamfile"
)

type celFilter struct {
	prog  cel.Program
	clock Clock
}

// CEL compiles a boolean expression evaluated per event. Events for which it
// is false, or fails to evaluate, are skipped. Available variables:
//
//	partition  int     partition start (ms)
//	sequence   int     event sequence within its file
//	ts_ms      int     event timestamp (ms)
//	size       int     payload length
//	text       string  payload as text
//	json       dyn     payload parsed as JSON (null if not JSON)
//	headers    map     event headers
//	now_ms     int     current time (ms)
//
// An empty expression returns a nil filter.
func CEL(expr string, clock Clock) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if clock == nil {
		clock = SystemClock
	}
	env, err := cel.NewEnv(
		cel.Variable("partition", cel.IntType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("readfilter: compile %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("readfilter: expression %q must be boolean, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return celFilter{prog: prog, clock: clock}, nil
}

func (f celFilter) Check(ev streamfile.StreamEvent) Verdict {
	var doc any
	_ = json.Unmarshal(ev.Payload, &doc)
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"partition": ev.Offset.File.PartitionStart,
		"sequence":  int64(ev.Offset.Seq),
		"ts_ms":     ev.Timestamp,
		"size":      int64(len(ev.Payload)),
		"text":      string(ev.Payload),
		"json":      doc,
		"headers":   headers,
		"now_ms":    f.clock.Now().UnixMilli(),
	})
	if err != nil {
		return SkipEntry
	}
	if b, ok := out.Value().(bool); ok && b {
		return Accept
	}
	return SkipEntry
}
