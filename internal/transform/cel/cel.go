package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
)

const defaultTimeout = time.Second

// Option configures a Predicate.
type Option func(*Predicate)

// WithTimeout sets the maximum execution time for a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(p *Predicate) {
		p.timeout = d
	}
}

// Predicate evaluates a boolean CEL expression against a decoded event.
// The expression sees the whole document as the variable "event", e.g.
//
//	event.booking_completed.product_provider != "Test Provider"
type Predicate struct {
	expression string
	program    cel.Program
	timeout    time.Duration
}

// NewPredicate compiles a CEL expression. The expression must evaluate to
// a bool (or dyn).
func NewPredicate(expression string, opts ...Option) (*Predicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("cel expression must return bool, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	p := &Predicate{
		expression: expression,
		program:    prg,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// String returns the source expression.
func (p *Predicate) String() string { return p.expression }

// Match reports whether doc satisfies the expression.
func (p *Predicate) Match(ctx context.Context, doc map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	activation := map[string]any{"event": toNative(doc)}

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)

	go func() {
		out, _, err := p.program.Eval(activation)
		if err != nil {
			ch <- result{err: fmt.Errorf("cel eval: %w", err)}
			return
		}
		b, ok := out.(types.Bool)
		if !ok {
			ch <- result{err: fmt.Errorf("cel result is %s, not bool", out.Type())}
			return
		}
		ch <- result{ok: bool(b)}
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("predicate timeout: %w", ctx.Err())
	case r := <-ch:
		return r.ok, r.err
	}
}

// toNative converts json.Number values, which CEL cannot adapt, into int64
// or float64.
func toNative(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = toNative(item)
		}
		return m
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = toNative(item)
		}
		return list
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}
