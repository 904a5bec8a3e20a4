package api

import "context"

// DefaultBodies returns the factory table for the built-in step kinds.
func DefaultBodies() map[StepKind]BodyFactory {
	return map[StepKind]BodyFactory{
		KindInline:       inlineBody,
		KindIf:           ifBody,
		KindIfElse:       ifElseBody,
		KindSwitch:       switchBody,
		KindWhile:        whileBody,
		KindParallel:     parallelBody,
		KindWaitForEvent: waitForEventBody,
		KindDelay:        delayBody,
		KindCustom:       customBody,
	}
}

func inlineBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		if err := step.Action(ctx, sc); err != nil {
			if IsPermanent(err) {
				return Fail(err), nil
			}
			return Retry(err), nil
		}
		return Next(), nil
	}
}

// finalizedBranches counts the branch heads of step already recorded as
// finalized on the instance.
func finalizedBranches(step *Step, sc *StepContext) int {
	n := 0
	for _, id := range step.BranchStepIDs() {
		if sc.Instance.IsBranchFinalized(id) {
			n++
		}
	}
	return n
}

// reentered reports whether any branch of step has already finalized. A
// branching step never takes a branch twice within one instance.
func reentered(step *Step, sc *StepContext) bool {
	return finalizedBranches(step, sc) > 0
}

func ifBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		if reentered(step, sc) {
			return Next(), nil
		}
		if step.Condition(sc) {
			id, _ := step.BranchStep(BranchTrue)
			return BranchTo(id), nil
		}
		return Next(), nil
	}
}

func ifElseBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		if reentered(step, sc) {
			return Next(), nil
		}
		key := BranchFalse
		if step.Condition(sc) {
			key = BranchTrue
		}
		id, _ := step.BranchStep(key)
		return BranchTo(id), nil
	}
}

func switchBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		if reentered(step, sc) {
			return Next(), nil
		}
		if id, ok := step.BranchStep(step.Selector(sc)); ok {
			return BranchTo(id), nil
		}
		return Next(), nil
	}
}

func whileBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		if step.Condition(sc) {
			id, _ := step.BranchStep(BranchLoop)
			return BranchTo(id), nil
		}
		return Next(), nil
	}
}

func parallelBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		ids := step.BranchStepIDs()
		switch finalizedBranches(step, sc) {
		case 0:
			return BranchTo(ids...), nil
		case len(ids):
			return Next(), nil
		}
		return Empty(), nil
	}
}

func waitForEventBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		ev := step.Event
		p := sc.Pointer
		if p.EventPublished {
			if ev.OnEvent != nil {
				if err := ev.OnEvent(ctx, sc, p.EventData); err != nil {
					if IsPermanent(err) {
						return Fail(err), nil
					}
					return Retry(err), nil
				}
			}
			return Next(), nil
		}
		if ev.TTL > 0 && !p.WaitingSince.IsZero() && !sc.Now.Before(p.WaitingSince.Add(ev.TTL)) {
			return Fail(ErrEventWaitExpired), nil
		}
		key := ""
		if ev.Key != nil {
			key = ev.Key(sc)
		}
		return WaitFor(ev.Name, key, ev.TTL), nil
	}
}

func delayBody(step *Step) StepBody {
	return func(ctx context.Context, sc *StepContext) (ExecutionResult, error) {
		if step.Delay <= 0 {
			return Next(), nil
		}
		p := sc.Pointer
		if !p.SleepUntil.IsZero() && !sc.Now.Before(p.SleepUntil) {
			return Next(), nil
		}
		return RetryAfter(step.Delay, nil), nil
	}
}

func customBody(step *Step) StepBody {
	return step.Body
}
