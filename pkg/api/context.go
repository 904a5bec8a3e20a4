package api

import "time"

// StepContext is what a step body sees of the running instance.
type StepContext struct {
	Instance *Instance
	Step     *Step
	Pointer  *ExecutionPointer
	// Now is the executor's clock reading for the current pass.
	Now time.Time

	dataChanged bool
}

// Data returns the instance's process data.
func (c *StepContext) Data() any { return c.Instance.Data }

// SetData replaces the process data; the executor persists it after the
// step returns.
func (c *StepContext) SetData(v any) {
	c.Instance.Data = v
	c.dataChanged = true
}

// DataChanged reports whether SetData was called.
func (c *StepContext) DataChanged() bool { return c.dataChanged }

// EventData returns the payload of the event attached to the pointer.
func (c *StepContext) EventData() any { return c.Pointer.EventData }

// NestedPointers returns the pointers nested under the current one.
func (c *StepContext) NestedPointers() []*ExecutionPointer {
	out := make([]*ExecutionPointer, 0, len(c.Pointer.Nested))
	for _, id := range c.Pointer.Nested {
		if p := c.Instance.Pointer(id); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// DataAs returns the process data as T.
func DataAs[T any](sc *StepContext) (T, bool) {
	v, ok := sc.Instance.Data.(T)
	return v, ok
}
