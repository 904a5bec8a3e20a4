package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func runBody(t *testing.T, def *Definition, stepID int, inst *Instance, p *ExecutionPointer, now time.Time) ExecutionResult {
	t.Helper()
	step, ok := def.Step(stepID)
	if !ok {
		t.Fatalf("step %d missing", stepID)
	}
	body, err := def.Body(step)
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	res, err := body(context.Background(), &StepContext{Instance: inst, Step: step, Pointer: p, Now: now})
	if err != nil {
		t.Fatalf("body returned error: %v", err)
	}
	return res
}

func sealed(t *testing.T, steps ...*Step) *Definition {
	t.Helper()
	def := &Definition{ID: "bodies", Steps: steps}
	if err := def.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return def
}

func TestInlineBodyMapsErrors(t *testing.T) {
	boom := errors.New("boom")
	var ret error
	def := sealed(t, &Step{ID: 0, Name: "work", Kind: KindInline, NextStepID: NoStep,
		Action: func(context.Context, *StepContext) error { return ret }})

	inst := &Instance{}
	p := &ExecutionPointer{ID: "p"}

	if res := runBody(t, def, 0, inst, p, time.Now()); res.Kind != ResultNext {
		t.Fatalf("expected Next, got %v", res.Kind)
	}
	ret = boom
	if res := runBody(t, def, 0, inst, p, time.Now()); res.Kind != ResultRetry || !errors.Is(res.Err, boom) {
		t.Fatalf("expected Retry(boom), got %v %v", res.Kind, res.Err)
	}
	ret = Permanent(boom)
	if res := runBody(t, def, 0, inst, p, time.Now()); res.Kind != ResultFail || !errors.Is(res.Err, boom) {
		t.Fatalf("expected Fail(boom), got %v %v", res.Kind, res.Err)
	}
}

func TestIfBodyReentryGuard(t *testing.T) {
	def := sealed(t,
		&Step{ID: 0, Name: "if", Kind: KindIf, Condition: always, NextStepID: NoStep,
			Branches: []Branch{{Key: BranchTrue, StepID: 1}}},
		&Step{ID: 1, Name: "then", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
	)

	ctrl := &ExecutionPointer{ID: "ctrl"}
	inst := &Instance{Pointers: []*ExecutionPointer{ctrl}}

	res := runBody(t, def, 0, inst, ctrl, time.Now())
	if res.Kind != ResultBranch || len(res.BranchStepIDs) != 1 || res.BranchStepIDs[0] != 1 {
		t.Fatalf("expected branch into step 1, got %+v", res)
	}

	child := &ExecutionPointer{ID: "child", StepID: 1, Status: PointerCompleted}
	ctrl.Nested = []string{child.ID}
	inst.Pointers = append(inst.Pointers, child)
	inst.FinalizedBranches = []int{1}

	if res := runBody(t, def, 0, inst, ctrl, time.Now()); res.Kind != ResultNext {
		t.Fatalf("expected Next after branch finalized, got %v", res.Kind)
	}
}

func TestIfBodyFalseSkipsBranch(t *testing.T) {
	def := sealed(t,
		&Step{ID: 0, Name: "if", Kind: KindIf, Condition: func(*StepContext) bool { return false }, NextStepID: NoStep,
			Branches: []Branch{{Key: BranchTrue, StepID: 1}}},
		&Step{ID: 1, Name: "then", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
	)
	p := &ExecutionPointer{ID: "p"}
	if res := runBody(t, def, 0, &Instance{Pointers: []*ExecutionPointer{p}}, p, time.Now()); res.Kind != ResultNext {
		t.Fatalf("expected Next, got %v", res.Kind)
	}
}

func TestIfElseAndSwitchSelectBranches(t *testing.T) {
	def := sealed(t,
		&Step{ID: 0, Name: "ifelse", Kind: KindIfElse, Condition: func(*StepContext) bool { return false }, NextStepID: 3,
			Branches: []Branch{{Key: BranchTrue, StepID: 1}, {Key: BranchFalse, StepID: 2}}},
		&Step{ID: 1, Name: "yes", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 2, Name: "no", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 3, Name: "switch", Kind: KindSwitch, NextStepID: NoStep,
			Selector: func(sc *StepContext) string { return sc.Data().(string) },
			Branches: []Branch{{Key: "gold", StepID: 4}, {Key: "silver", StepID: 5}}},
		&Step{ID: 4, Name: "gold", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 5, Name: "silver", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
	)

	p := &ExecutionPointer{ID: "p"}
	inst := &Instance{Data: "silver", Pointers: []*ExecutionPointer{p}}

	res := runBody(t, def, 0, inst, p, time.Now())
	if res.Kind != ResultBranch || res.BranchStepIDs[0] != 2 {
		t.Fatalf("expected false branch, got %+v", res)
	}
	res = runBody(t, def, 3, inst, p, time.Now())
	if res.Kind != ResultBranch || res.BranchStepIDs[0] != 5 {
		t.Fatalf("expected silver branch, got %+v", res)
	}
	inst.Data = "bronze"
	if res = runBody(t, def, 3, inst, p, time.Now()); res.Kind != ResultNext {
		t.Fatalf("expected Next for unknown case, got %v", res.Kind)
	}
}

func TestWhileBodyHasNoGuard(t *testing.T) {
	def := sealed(t,
		&Step{ID: 0, Name: "loop", Kind: KindWhile, Condition: always, NextStepID: NoStep,
			Branches: []Branch{{Key: BranchLoop, StepID: 1}}},
		&Step{ID: 1, Name: "body", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
	)
	child := &ExecutionPointer{ID: "child", StepID: 1, Status: PointerCompleted}
	ctrl := &ExecutionPointer{ID: "ctrl", Nested: []string{"child"}}
	inst := &Instance{Pointers: []*ExecutionPointer{ctrl, child}, FinalizedBranches: []int{1}}

	if res := runBody(t, def, 0, inst, ctrl, time.Now()); res.Kind != ResultBranch {
		t.Fatalf("expected while to loop again, got %v", res.Kind)
	}
}

func TestParallelBodyTracksSiblings(t *testing.T) {
	def := sealed(t,
		&Step{ID: 0, Name: "fan", Kind: KindParallel, NextStepID: NoStep,
			Branches: []Branch{{Key: "0", StepID: 1}, {Key: "1", StepID: 2}, {Key: "2", StepID: 3}}},
		&Step{ID: 1, Name: "a", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 2, Name: "b", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 3, Name: "c", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
	)

	ctrl := &ExecutionPointer{ID: "ctrl"}
	inst := &Instance{Pointers: []*ExecutionPointer{ctrl}}

	res := runBody(t, def, 0, inst, ctrl, time.Now())
	if res.Kind != ResultBranch || len(res.BranchStepIDs) != 3 {
		t.Fatalf("expected 3 branches on first visit, got %+v", res)
	}

	for i, id := range []int{1, 2, 3} {
		p := &ExecutionPointer{ID: string(rune('a' + i)), StepID: id, Status: PointerPending, Active: true, ContainerID: ctrl.ID}
		inst.Pointers = append(inst.Pointers, p)
		ctrl.Nested = append(ctrl.Nested, p.ID)
	}
	inst.Pointers[1].Status = PointerCompleted
	inst.FinalizedBranches = []int{1}
	if res := runBody(t, def, 0, inst, ctrl, time.Now()); res.Kind != ResultEmpty {
		t.Fatalf("expected Empty with branches outstanding, got %v", res.Kind)
	}

	for _, p := range inst.Pointers[1:] {
		p.Status = PointerCompleted
	}
	inst.FinalizedBranches = []int{1, 2, 3}
	if res := runBody(t, def, 0, inst, ctrl, time.Now()); res.Kind != ResultNext {
		t.Fatalf("expected Next once all branches finalized, got %v", res.Kind)
	}
}

func TestParallelBodyGuardReadsFinalizedBranches(t *testing.T) {
	def := sealed(t,
		&Step{ID: 0, Name: "fan", Kind: KindParallel, NextStepID: NoStep,
			Branches: []Branch{{Key: "0", StepID: 1}, {Key: "1", StepID: 2}}},
		&Step{ID: 1, Name: "a", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 2, Name: "b", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
	)

	cases := []struct {
		name      string
		finalized []int
		want      ResultKind
		branches  int
	}{
		{"none finalized", nil, ResultBranch, 2},
		{"one finalized", []int{2}, ResultEmpty, 0},
		{"all finalized", []int{1, 2}, ResultNext, 0},
		{"unrelated ids", []int{7, 9}, ResultBranch, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fresh := &ExecutionPointer{ID: "fresh"}
			inst := &Instance{Pointers: []*ExecutionPointer{fresh}, FinalizedBranches: tc.finalized}
			res := runBody(t, def, 0, inst, fresh, time.Now())
			if res.Kind != tc.want || len(res.BranchStepIDs) != tc.branches {
				t.Fatalf("expected %v with %d branches, got %+v", tc.want, tc.branches, res)
			}
		})
	}
}

func TestBranchingBodiesGuardOnFreshPointer(t *testing.T) {
	def := sealed(t,
		&Step{ID: 0, Name: "if", Kind: KindIf, Condition: always, NextStepID: 2,
			Branches: []Branch{{Key: BranchTrue, StepID: 1}}},
		&Step{ID: 1, Name: "then", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 2, Name: "ifelse", Kind: KindIfElse, Condition: always, NextStepID: 5,
			Branches: []Branch{{Key: BranchTrue, StepID: 3}, {Key: BranchFalse, StepID: 4}}},
		&Step{ID: 3, Name: "yes", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 4, Name: "no", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
		&Step{ID: 5, Name: "switch", Kind: KindSwitch, NextStepID: NoStep,
			Selector: func(*StepContext) string { return "gold" },
			Branches: []Branch{{Key: "gold", StepID: 6}}},
		&Step{ID: 6, Name: "gold", Kind: KindInline, Action: noopAction, NextStepID: NoStep},
	)

	// Any finalized branch id wins over the predicate, even for a pointer
	// that never branched.
	inst := &Instance{FinalizedBranches: []int{1, 4, 6}}
	for _, stepID := range []int{0, 2, 5} {
		fresh := &ExecutionPointer{ID: "fresh", StepID: stepID}
		inst.Pointers = []*ExecutionPointer{fresh}
		if res := runBody(t, def, stepID, inst, fresh, time.Now()); res.Kind != ResultNext {
			t.Fatalf("step %d: expected Next, got %+v", stepID, res)
		}
	}
}

func TestWaitForEventBodyMakesNoProgressUntilEvent(t *testing.T) {
	var got any
	def := sealed(t, &Step{ID: 0, Name: "wait", Kind: KindWaitForEvent, NextStepID: NoStep,
		Event: &EventSpec{
			Name: "approved",
			Key:  func(sc *StepContext) string { return "order-1" },
			OnEvent: func(_ context.Context, _ *StepContext, data any) error {
				got = data
				return nil
			},
		}})

	p := &ExecutionPointer{ID: "p"}
	inst := &Instance{Pointers: []*ExecutionPointer{p}}
	now := time.Now()

	first := runBody(t, def, 0, inst, p, now)
	for i := 0; i < 3; i++ {
		res := runBody(t, def, 0, inst, p, now.Add(time.Duration(i)*time.Hour))
		if res.Kind != ResultWait || res.Event != first.Event {
			t.Fatalf("pass %d: expected the same wait %+v, got %+v", i, first.Event, res)
		}
	}
	if first.Event.Name != "approved" || first.Event.Key != "order-1" {
		t.Fatalf("unexpected wait spec %+v", first.Event)
	}

	p.EventPublished = true
	p.EventData = "yes"
	if res := runBody(t, def, 0, inst, p, now); res.Kind != ResultNext {
		t.Fatalf("expected Next once event attached, got %v", res.Kind)
	}
	if got != "yes" {
		t.Fatalf("expected OnEvent to receive payload, got %v", got)
	}
}

func TestWaitForEventBodyExpires(t *testing.T) {
	def := sealed(t, &Step{ID: 0, Name: "wait", Kind: KindWaitForEvent, NextStepID: NoStep,
		Event: &EventSpec{Name: "approved", TTL: time.Minute}})

	now := time.Now()
	p := &ExecutionPointer{ID: "p", Status: PointerWaitingForEvent, WaitingSince: now.Add(-2 * time.Minute)}
	res := runBody(t, def, 0, &Instance{Pointers: []*ExecutionPointer{p}}, p, now)
	if res.Kind != ResultFail || !errors.Is(res.Err, ErrEventWaitExpired) {
		t.Fatalf("expected expiry failure, got %+v", res)
	}
}

func TestDelayBodySleepsOnce(t *testing.T) {
	def := sealed(t, &Step{ID: 0, Name: "pause", Kind: KindDelay, Delay: time.Minute, NextStepID: NoStep})

	now := time.Now()
	p := &ExecutionPointer{ID: "p"}
	inst := &Instance{Pointers: []*ExecutionPointer{p}}

	res := runBody(t, def, 0, inst, p, now)
	if !res.IsDelay() || res.Interval != time.Minute {
		t.Fatalf("expected a one minute delay, got %+v", res)
	}
	p.SleepUntil = now.Add(time.Minute)
	if res := runBody(t, def, 0, inst, p, now.Add(time.Minute)); res.Kind != ResultNext {
		t.Fatalf("expected Next after the delay, got %v", res.Kind)
	}
}
