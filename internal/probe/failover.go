package probe

import (
	"context"
	"errors"
)

var errRejected = errors.New("result below acceptance threshold")

// Candidate is one endpoint to try during failover.
type Candidate[T any] struct {
	Name    string
	Attempt func(ctx context.Context) (T, error)
}

// Failover tries candidates in order and returns the first value accept
// approves, with the candidate's name. Errors and rejected values go to
// report. When every candidate fails it returns failure and an empty name.
func Failover[T any](ctx context.Context, candidates []Candidate[T], accept func(T) bool, failure T, report func(name string, err error)) (T, string) {
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		value, err := c.Attempt(ctx)
		if err == nil && accept(value) {
			return value, c.Name
		}
		if err == nil {
			err = errRejected
		}
		if report != nil {
			report(c.Name, err)
		}
	}
	return failure, ""
}
