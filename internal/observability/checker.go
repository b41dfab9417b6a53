package observability

import "context"

// Checker is a dependency reported by the readiness probe.
// Check must respect ctx and be safe for concurrent use.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type funcChecker struct {
	name  string
	check func(ctx context.Context) error
}

func (f funcChecker) Name() string                    { return f.name }
func (f funcChecker) Check(ctx context.Context) error { return f.check(ctx) }

// NewChecker adapts a ping-style function into a Checker.
func NewChecker(name string, check func(ctx context.Context) error) Checker {
	return funcChecker{name: name, check: check}
}
