package task

import (
	"context"
)

// OnSuccess returns a func() that runs f, then g only if f succeeded.
func OnSuccess(f func() error, g func() error) func() error {
	return func() error {
		if err := f(); err != nil {
			return err
		}
		return g()
	}
}

// Run executes every task concurrently, returning the first error
// encountered (if any) once all tasks have finished or ctx is done.
func Run(ctx context.Context, tasks ...func() error) error {
	done := make(chan error, len(tasks))
	for _, t := range tasks {
		go func(f func() error) { done <- f() }(t)
	}

	var firstErr error
	for i := 0; i < len(tasks); i++ {
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			return firstErr
		}
	}
	return firstErr
}
