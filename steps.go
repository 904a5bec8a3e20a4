package orchestra

import (
	"context"
	"fmt"

	"github.com/petrijr/orchestra/pkg/api"
)

// DataAs returns the process data as T.
func DataAs[T any](sc *StepContext) (T, bool) {
	return api.DataAs[T](sc)
}

// TypedInline adapts a strongly-typed function into an inline action. The
// process data must hold a T; the returned value replaces it.
//
//	b.Then("reserve", orchestra.TypedInline(func(ctx context.Context, o Order) (Order, error) { ... }))
func TypedInline[T any](fn func(context.Context, T) (T, error)) func(context.Context, *StepContext) error {
	return func(ctx context.Context, sc *StepContext) error {
		in, ok := api.DataAs[T](sc)
		if !ok {
			var zero T
			return api.Permanent(fmt.Errorf("orchestra: process data is %T, want %T", sc.Data(), zero))
		}
		out, err := fn(ctx, in)
		if err != nil {
			return err
		}
		sc.SetData(out)
		return nil
	}
}

// TypedCondition adapts a predicate over T for If, IfElse and While. Data
// of another type evaluates to false.
func TypedCondition[T any](fn func(T) bool) func(*StepContext) bool {
	return func(sc *StepContext) bool {
		v, ok := api.DataAs[T](sc)
		return ok && fn(v)
	}
}

// TypedSelector adapts a selector over T for Switch.
func TypedSelector[T any](fn func(T) string) func(*StepContext) string {
	return func(sc *StepContext) string {
		v, ok := api.DataAs[T](sc)
		if !ok {
			return ""
		}
		return fn(v)
	}
}

// TypedOnEvent merges an event payload of type E into process data of type
// T once a WaitForEvent step receives it.
func TypedOnEvent[T, E any](fn func(context.Context, T, E) (T, error)) func(context.Context, *StepContext, any) error {
	return func(ctx context.Context, sc *StepContext, data any) error {
		in, ok := api.DataAs[T](sc)
		if !ok {
			var zero T
			return api.Permanent(fmt.Errorf("orchestra: process data is %T, want %T", sc.Data(), zero))
		}
		ev, ok := data.(E)
		if !ok {
			var zero E
			return api.Permanent(fmt.Errorf("orchestra: event data is %T, want %T", data, zero))
		}
		out, err := fn(ctx, in, ev)
		if err != nil {
			return err
		}
		sc.SetData(out)
		return nil
	}
}

// EventKeyFrom derives a WaitForEvent key from the process data.
func EventKeyFrom[T any](fn func(T) string) func(*StepContext) string {
	return TypedSelector(fn)
}
