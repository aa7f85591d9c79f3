package delivery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mdedetrich/nakadi/internal/problems"
	"github.com/mdedetrich/nakadi/internal/topicstore"
)

// Filter is a compiled CEL predicate over events. A nil *Filter matches
// everything.
//
// Variables: partition, offset, key (strings), size, published_ms, now_ms
// (ints), text (the raw payload) and json (the decoded payload).
type Filter struct {
	expr string
	prog cel.Program
}

// CompileFilter compiles expr. An empty expression yields a nil filter.
// Compile errors match problems.ErrValidation.
func CompileFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("partition", cel.StringType),
		cel.Variable("offset", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("published_ms", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: filter: %w", problems.ErrValidation, iss.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %w", problems.ErrValidation, err)
	}
	return &Filter{expr: expr, prog: prog}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter. Evaluation errors and non-bool results count as
// no match.
func (f *Filter) Match(ev topicstore.Event) bool {
	if f == nil {
		return true
	}
	var doc any
	_ = json.Unmarshal(ev.Payload, &doc)
	out, _, err := f.prog.Eval(map[string]any{
		"partition":    ev.Partition,
		"offset":       ev.Offset,
		"key":          ev.Key,
		"size":         int64(len(ev.Payload)),
		"published_ms": ev.PublishedAt.UnixMilli(),
		"text":         string(ev.Payload),
		"json":         doc,
		"now_ms":       time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
