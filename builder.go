package orchestra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

// Builder provides a fluent API for defining orchestrations:
//
//	b := orchestra.New("onboard", 1)
//	b.Then("create-account", createAccount).
//	    If("vip", isVIP, func(c *orchestra.Chain) {
//	        c.Then("assign-manager", assignManager)
//	    }).
//	    WaitForEvent("activate", orchestra.EventSpec{Name: "activated"}).
//	    Then("welcome", sendWelcome)
//
//	if err := b.Register(controller); err != nil {
//	    log.Fatal(err)
//	}
//
// Step ids are assigned in the order steps are added.
type Builder struct {
	Chain
	def    *api.Definition
	nextID int
	errs   []error
}

// Chain appends steps to one sequence: the root chain of a Builder, or a
// branch body.
type Chain struct {
	b    *Builder
	head *api.Step
	tail *api.Step
}

// Case is one arm of a Switch.
type Case struct {
	Key  string
	Body func(*Chain)
}

// New starts a definition. Version zero is treated as 1.
func New(id string, version int) *Builder {
	b := &Builder{def: &api.Definition{ID: id, Version: version}}
	b.Chain.b = b
	return b
}

// Describe sets the human-readable description.
func (b *Builder) Describe(text string) *Builder {
	b.def.Description = text
	return b
}

// Singleton allows at most one unfinished instance at a time.
func (b *Builder) Singleton() *Builder {
	b.def.IsSingleton = true
	return b
}

// DataType records the name of the process data type, for tooling.
func (b *Builder) DataType(name string) *Builder {
	b.def.DataType = name
	return b
}

// DefaultRetry sets the policy for steps that don't configure one.
func (b *Builder) DefaultRetry(policy RetryBuilder) *Builder {
	b.def.DefaultErrorHandling = policy.Policy()
	return b
}

// LockExpiration sets the default lease length.
func (b *Builder) LockExpiration(d time.Duration) *Builder {
	b.def.DefaultLockExpiration = d
	return b
}

// IdleTimeout sets how long a worker stays around without progress.
func (b *Builder) IdleTimeout(d time.Duration) *Builder {
	b.def.WorkerIdleTimeout = d
	return b
}

// WithBodyFactory overrides how steps of kind are turned into bodies for
// this definition. Kinds without an override keep the default bodies.
func (b *Builder) WithBodyFactory(kind StepKind, factory BodyFactory) *Builder {
	if b.def.Bodies == nil {
		b.def.Bodies = api.DefaultBodies()
	}
	b.def.Bodies[kind] = factory
	return b
}

// Build validates and returns the definition. The definition is sealed by
// the controller when it is registered.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if len(b.def.Steps) == 0 {
		return nil, &api.ValidationError{Field: "steps", Reason: "definition has no steps"}
	}
	return b.def, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// Register builds the definition and registers it with c.
func (b *Builder) Register(c Controller) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return c.RegisterOrchestration(def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *Builder) MustRegister(c Controller) {
	if err := b.Register(c); err != nil {
		panic(err)
	}
}

func (c *Chain) add(s *api.Step) *Chain {
	b := c.b
	if s.Name == "" {
		b.errs = append(b.errs, fmt.Errorf("orchestra: step %d: %w", b.nextID, &api.ValidationError{Field: "name", Reason: "must not be empty"}))
	}
	s.ID = b.nextID
	s.NextStepID = api.NoStep
	b.nextID++
	b.def.Steps = append(b.def.Steps, s)

	if c.tail != nil {
		c.tail.NextStepID = s.ID
	} else {
		c.head = s
	}
	c.tail = s
	return c
}

// branch builds body as a new chain and returns its head step id.
func (c *Chain) branch(owner, key string, body func(*Chain)) api.Branch {
	sub := &Chain{b: c.b}
	if body != nil {
		body(sub)
	}
	if sub.head == nil {
		c.b.errs = append(c.b.errs, fmt.Errorf("orchestra: step %q branch %q has no steps", owner, key))
		return api.Branch{Key: key, StepID: api.NoStep}
	}
	return api.Branch{Key: key, StepID: sub.head.ID}
}

// Then appends an inline step. A returned error is retried according to
// the step's policy unless it is wrapped with Permanent.
func (c *Chain) Then(name string, fn func(ctx context.Context, sc *StepContext) error) *Chain {
	if fn == nil {
		c.b.errs = append(c.b.errs, fmt.Errorf("orchestra: step %q has nil function", name))
	}
	return c.add(&api.Step{Name: name, Kind: api.KindInline, Action: fn})
}

// If runs body when cond holds, then continues.
func (c *Chain) If(name string, cond func(*StepContext) bool, body func(*Chain)) *Chain {
	s := &api.Step{Name: name, Kind: api.KindIf, Condition: cond}
	c.add(s)
	s.Branches = []api.Branch{c.branch(name, api.BranchTrue, body)}
	return c
}

// IfElse runs one of two bodies, then continues.
func (c *Chain) IfElse(name string, cond func(*StepContext) bool, then, otherwise func(*Chain)) *Chain {
	s := &api.Step{Name: name, Kind: api.KindIfElse, Condition: cond}
	c.add(s)
	s.Branches = []api.Branch{
		c.branch(name, api.BranchTrue, then),
		c.branch(name, api.BranchFalse, otherwise),
	}
	return c
}

// Switch runs the case whose key matches the selector. An unmatched key
// continues with the next step.
func (c *Chain) Switch(name string, selector func(*StepContext) string, cases ...Case) *Chain {
	s := &api.Step{Name: name, Kind: api.KindSwitch, Selector: selector}
	c.add(s)
	for _, cs := range cases {
		s.Branches = append(s.Branches, c.branch(name, cs.Key, cs.Body))
	}
	return c
}

// While repeats body as long as cond holds.
func (c *Chain) While(name string, cond func(*StepContext) bool, body func(*Chain)) *Chain {
	s := &api.Step{Name: name, Kind: api.KindWhile, Condition: cond}
	c.add(s)
	s.Branches = []api.Branch{c.branch(name, api.BranchLoop, body)}
	return c
}

// Parallel runs every body concurrently and continues once all finished.
func (c *Chain) Parallel(name string, bodies ...func(*Chain)) *Chain {
	s := &api.Step{Name: name, Kind: api.KindParallel}
	c.add(s)
	for i, body := range bodies {
		s.Branches = append(s.Branches, c.branch(name, strconv.Itoa(i), body))
	}
	return c
}

// WaitForEvent parks the chain until a matching event is published.
func (c *Chain) WaitForEvent(name string, spec EventSpec) *Chain {
	ev := spec
	return c.add(&api.Step{Name: name, Kind: api.KindWaitForEvent, Event: &ev})
}

// Delay sleeps for d without consuming retries.
func (c *Chain) Delay(name string, d time.Duration) *Chain {
	return c.add(&api.Step{Name: name, Kind: api.KindDelay, Delay: d})
}

// Custom appends a step with a hand-written body.
func (c *Chain) Custom(name string, body StepBody) *Chain {
	return c.add(&api.Step{Name: name, Kind: api.KindCustom, Body: body})
}

// WithRetry sets the retry policy of the last added step.
func (c *Chain) WithRetry(policy RetryBuilder) *Chain {
	if c.tail == nil {
		c.b.errs = append(c.b.errs, errors.New("orchestra: WithRetry called before any step"))
		return c
	}
	eh := policy.Policy()
	c.tail.ErrorHandling = &eh
	return c
}

// WithLockExpiration sets the lease length needed by the last added step.
func (c *Chain) WithLockExpiration(d time.Duration) *Chain {
	if c.tail == nil {
		c.b.errs = append(c.b.errs, errors.New("orchestra: WithLockExpiration called before any step"))
		return c
	}
	c.tail.LockExpiration = d
	return c
}
