package api

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultLockExpiration    = time.Minute
	DefaultWorkerIdleTimeout = 5 * time.Second
	DefaultRetryInterval     = time.Second
)

// Definition is a versioned graph of steps. It is immutable once sealed;
// registering a definition seals it.
type Definition struct {
	ID          string
	Version     int
	Description string
	// DataType names the process data type, for tooling.
	DataType string

	IsSingleton           bool
	DefaultErrorHandling  ErrorHandling
	DefaultLockExpiration time.Duration
	// WorkerIdleTimeout overrides the host's idle timeout when positive.
	WorkerIdleTimeout time.Duration

	// Steps are ordered; the first one is the root.
	Steps []*Step

	// Bodies maps step kinds to body factories. Nil uses DefaultBodies.
	Bodies map[StepKind]BodyFactory

	sealed bool
	byID   map[int]*Step
}

// Step looks up a step by id.
func (d *Definition) Step(id int) (*Step, bool) {
	if d.byID != nil {
		s, ok := d.byID[id]
		return s, ok
	}
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Root returns the first step.
func (d *Definition) Root() *Step {
	if len(d.Steps) == 0 {
		return nil
	}
	return d.Steps[0]
}

// Sealed reports whether Seal succeeded.
func (d *Definition) Sealed() bool { return d.sealed }

// Body builds the body for step using the definition's factory table.
func (d *Definition) Body(step *Step) (StepBody, error) {
	f, ok := d.Bodies[step.Kind]
	if !ok || f == nil {
		return nil, &ValidationError{Field: fmt.Sprintf("steps[%d].kind", step.ID), Reason: fmt.Sprintf("no body for kind %q", step.Kind)}
	}
	return f(step), nil
}

// Seal validates the definition and stamps graph metadata on every step:
// the root flag, the owning definition, and for each step the head of the
// chain it belongs to (StartingStepID) and the step that owns that chain
// (BranchControllerID, NoStep for the root chain). Sealing twice is a no-op.
func (d *Definition) Seal() error {
	if d.sealed {
		return nil
	}
	if d.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.Contains(d.ID, LockKeySeparator) {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("must not contain %q", LockKeySeparator)}
	}
	if d.Version < 0 {
		return &ValidationError{Field: "version", Reason: "must not be negative"}
	}
	if d.Version == 0 {
		d.Version = 1
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Field: "steps", Reason: "definition has no steps"}
	}
	if d.DefaultLockExpiration <= 0 {
		d.DefaultLockExpiration = DefaultLockExpiration
	}
	if d.DefaultErrorHandling.DefaultRetryInterval <= 0 && len(d.DefaultErrorHandling.Intervals) == 0 {
		d.DefaultErrorHandling.DefaultRetryInterval = DefaultRetryInterval
	}
	if err := validateErrorHandling("default_error_handling", d.DefaultErrorHandling); err != nil {
		return err
	}
	if d.Bodies == nil {
		d.Bodies = DefaultBodies()
	}

	byID := make(map[int]*Step, len(d.Steps))
	for i, s := range d.Steps {
		if s == nil {
			return &ValidationError{Field: fmt.Sprintf("steps[%d]", i), Reason: "nil step"}
		}
		if s.ID < 0 {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Reason: "must not be negative"}
		}
		if _, dup := byID[s.ID]; dup {
			return &ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Reason: fmt.Sprintf("duplicate step id %d", s.ID)}
		}
		byID[s.ID] = s
	}
	for _, s := range d.Steps {
		if err := d.validateStep(s, byID); err != nil {
			return err
		}
	}

	seen := make(map[int]bool, len(d.Steps))
	root := d.Steps[0]
	if err := stampChain(root.ID, root.ID, NoStep, byID, seen); err != nil {
		return err
	}
	for _, s := range d.Steps {
		if !seen[s.ID] {
			return &ValidationError{Field: fmt.Sprintf("steps[%d]", s.ID), Reason: "step is not reachable from the root"}
		}
		s.def = d
		s.IsRoot = s == root
	}

	d.byID = byID
	d.sealed = true
	return nil
}

func (d *Definition) validateStep(s *Step, byID map[int]*Step) error {
	field := fmt.Sprintf("steps[%d]", s.ID)
	fail := func(reason string) error { return &ValidationError{Field: field, Reason: reason} }

	if s.Name == "" {
		return fail("name must not be empty")
	}
	if s.NextStepID != NoStep {
		if _, ok := byID[s.NextStepID]; !ok {
			return fail(fmt.Sprintf("next step %d does not exist", s.NextStepID))
		}
	}
	keys := make(map[string]bool, len(s.Branches))
	for _, b := range s.Branches {
		if keys[b.Key] {
			return fail(fmt.Sprintf("duplicate branch key %q", b.Key))
		}
		keys[b.Key] = true
		if _, ok := byID[b.StepID]; !ok {
			return fail(fmt.Sprintf("branch %q points to missing step %d", b.Key, b.StepID))
		}
	}
	if s.ErrorHandling != nil {
		if err := validateErrorHandling(field+".error_handling", *s.ErrorHandling); err != nil {
			return err
		}
	}
	if s.LockExpiration < 0 {
		return fail("lock expiration must not be negative")
	}
	if _, ok := d.Bodies[s.Kind]; !ok {
		return fail(fmt.Sprintf("no body for kind %q", s.Kind))
	}

	switch s.Kind {
	case KindInline:
		if s.Action == nil {
			return fail("inline step needs an action")
		}
		if len(s.Branches) > 0 {
			return fail("inline step cannot have branches")
		}
	case KindIf:
		if s.Condition == nil {
			return fail("if step needs a condition")
		}
		if len(s.Branches) != 1 || !keys[BranchTrue] {
			return fail("if step needs exactly one true branch")
		}
	case KindIfElse:
		if s.Condition == nil {
			return fail("if-else step needs a condition")
		}
		if len(s.Branches) != 2 || !keys[BranchTrue] || !keys[BranchFalse] {
			return fail("if-else step needs a true and a false branch")
		}
	case KindSwitch:
		if s.Selector == nil {
			return fail("switch step needs a selector")
		}
		if len(s.Branches) == 0 {
			return fail("switch step needs at least one case")
		}
	case KindWhile:
		if s.Condition == nil {
			return fail("while step needs a condition")
		}
		if len(s.Branches) != 1 || !keys[BranchLoop] {
			return fail("while step needs exactly one loop branch")
		}
	case KindParallel:
		if len(s.Branches) == 0 {
			return fail("parallel step needs at least one branch")
		}
	case KindWaitForEvent:
		if s.Event == nil || s.Event.Name == "" {
			return fail("wait step needs an event name")
		}
		if s.Event.TTL < 0 {
			return fail("event ttl must not be negative")
		}
	case KindDelay:
		if s.Delay < 0 {
			return fail("delay must not be negative")
		}
	case KindCustom:
		if s.Body == nil {
			return fail("custom step needs a body")
		}
	}
	return nil
}

func validateErrorHandling(field string, eh ErrorHandling) error {
	if eh.MaxRetryCount != nil && *eh.MaxRetryCount < 0 {
		return &ValidationError{Field: field, Reason: "max retry count must not be negative"}
	}
	if eh.DefaultRetryInterval < 0 {
		return &ValidationError{Field: field, Reason: "default retry interval must not be negative"}
	}
	for k, v := range eh.Intervals {
		if v < 0 {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("interval for retry %d is negative", k)}
		}
	}
	return nil
}

// stampChain walks the chain starting at head following NextStepID and
// recurses into every branch. A step reached twice is shared between chains
// or part of a cycle, neither of which the executor can interpret.
func stampChain(head, start, controller int, byID map[int]*Step, seen map[int]bool) error {
	for id := head; id != NoStep; {
		s := byID[id]
		if seen[id] {
			return &ValidationError{Field: fmt.Sprintf("steps[%d]", id), Reason: "step is reachable more than once"}
		}
		seen[id] = true
		s.StartingStepID = start
		s.BranchControllerID = controller
		for _, b := range s.Branches {
			if err := stampChain(b.StepID, b.StepID, s.ID, byID, seen); err != nil {
				return err
			}
		}
		id = s.NextStepID
	}
	return nil
}
