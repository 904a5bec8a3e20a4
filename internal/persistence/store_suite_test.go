package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/orchestra/pkg/api"
)

type storePayload struct {
	Order string
	Total int
}

func init() {
	RegisterType(storePayload{})
}

// StoreSuite checks the behavior every Store implementation must share.
// Backend test files embed it and provide newStore.
type StoreSuite struct {
	suite.Suite
	ctx      context.Context
	newStore func() Store
	store    Store
	base     time.Time
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
	s.base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *StoreSuite) newInstance(id, key string) *api.Instance {
	return &api.Instance{
		ID:                id,
		Key:               key,
		DefinitionID:      "billing",
		Version:           2,
		Data:              storePayload{Order: "o-1", Total: 42},
		Status:            api.InstanceRunning,
		CreatedAt:         s.base,
		WorkerIdleTimeout: 3 * time.Second,
		Trace:             "trace-1",
		Pointers: []*api.ExecutionPointer{{
			ID: id + "-genesis", StepID: 0, StepName: "start", Active: true, Status: api.PointerPending,
		}},
	}
}

func (s *StoreSuite) TestCreateAndLoadInstance() {
	s.Require().NoError(s.store.CreateNewOrchestration(s.ctx, s.newInstance("i-1", "k-1")))

	inst, err := LoadInstance(s.ctx, s.store, "i-1")
	s.Require().NoError(err)
	s.Equal("k-1", inst.Key)
	s.Equal("billing", inst.DefinitionID)
	s.Equal(2, inst.Version)
	s.Equal(api.InstanceRunning, inst.Status)
	s.Equal(storePayload{Order: "o-1", Total: 42}, inst.Data)
	s.True(inst.CreatedAt.Equal(s.base))
	s.Equal(3*time.Second, inst.WorkerIdleTimeout)
	s.Equal("trace-1", inst.Trace)
	s.Require().Len(inst.Pointers, 1)
	s.Equal("i-1-genesis", inst.Pointers[0].ID)
	s.True(inst.Pointers[0].Active)
	s.Empty(inst.FinalizedBranches)

	err = s.store.CreateNewOrchestration(s.ctx, s.newInstance("i-1", "k-1"))
	s.True(errors.Is(err, ErrAlreadyExists), "duplicate create: %v", err)
}

func (s *StoreSuite) TestMissingInstance() {
	_, err := s.store.GetOrchestrationInstance(s.ctx, "nope")
	s.ErrorIs(err, api.ErrInstanceNotFound)

	err = s.store.UpdateOrchestrationStatus(s.ctx, "nope", api.InstanceSuspended, time.Time{})
	s.ErrorIs(err, api.ErrInstanceNotFound)

	_, err = s.store.GetStepExecutionPointer(s.ctx, "nope", "p")
	s.ErrorIs(err, ErrPointerNotFound)
}

func (s *StoreSuite) TestStatusAndData() {
	s.Require().NoError(s.store.CreateNewOrchestration(s.ctx, s.newInstance("i-1", "k-1")))

	s.Require().NoError(s.store.UpdateOrchestrationData(s.ctx, "i-1", storePayload{Order: "o-2", Total: 7}))
	done := s.base.Add(time.Minute)
	s.Require().NoError(s.store.UpdateOrchestrationStatus(s.ctx, "i-1", api.InstanceCompleted, done))

	inst, err := s.store.GetOrchestrationInstance(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Equal(api.InstanceCompleted, inst.Status)
	s.True(inst.CompletedAt.Equal(done))
	s.Equal(storePayload{Order: "o-2", Total: 7}, inst.Data)

	unfinished, err := s.store.GetAllUnfinishedInstances(s.ctx, "billing")
	s.Require().NoError(err)
	s.Empty(unfinished)
}

func (s *StoreSuite) TestPointerPatchAndNesting() {
	s.Require().NoError(s.store.CreateNewOrchestration(s.ctx, s.newInstance("i-1", "k-1")))

	child := &api.ExecutionPointer{
		ID: "child", StepID: 3, StepName: "branch", Active: true, Status: api.PointerPending,
		PredecessorID: "i-1-genesis", ContainerID: "i-1-genesis",
	}
	s.Require().NoError(s.store.AddNestedExecutionPointer(s.ctx, "i-1", "i-1-genesis", child))
	next := &api.ExecutionPointer{ID: "next", StepID: 4, StepName: "after", Active: true, Status: api.PointerPending, PredecessorID: "child"}
	s.Require().NoError(s.store.AddExecutionPointer(s.ctx, "i-1", next))

	started := s.base.Add(time.Second)
	var patch api.PointerPatch
	patch.SetStatus(api.PointerWaitingForEvent).
		SetStartTime(started).
		SetEventWait("approved", "k", time.Minute, started).
		SetEvent(true, "payload")
	s.Require().NoError(s.store.UpdateExecutionPointer(s.ctx, "i-1", "child", &patch))

	got, err := s.store.GetStepExecutionPointer(s.ctx, "i-1", "child")
	s.Require().NoError(err)
	s.Equal(api.PointerWaitingForEvent, got.Status)
	s.True(got.StartTime.Equal(started))
	s.True(got.Active, "untouched field must survive a patch")
	s.Equal(3, got.StepID)
	s.Equal("approved", got.EventName)
	s.Equal("k", got.EventKey)
	s.Equal(time.Minute, got.EventTTL)
	s.True(got.EventPublished)
	s.Equal("payload", got.EventData)
	s.Equal("i-1-genesis", got.ContainerID)

	ptrs, err := s.store.GetExecutionPointers(s.ctx, "i-1")
	s.Require().NoError(err)
	s.Require().Len(ptrs, 3)
	s.Equal([]string{"i-1-genesis", "child", "next"}, []string{ptrs[0].ID, ptrs[1].ID, ptrs[2].ID})
	s.Equal([]string{"child"}, ptrs[0].Nested)

	err = s.store.UpdateExecutionPointer(s.ctx, "i-1", "missing", &patch)
	s.ErrorIs(err, ErrPointerNotFound)
}

func (s *StoreSuite) TestFinalizedBranchesOnlyGrow() {
	s.Require().NoError(s.store.CreateNewOrchestration(s.ctx, s.newInstance("i-1", "k-1")))

	for _, id := range []int{3, 5, 3} {
		s.Require().NoError(s.store.AddFinalizedBranch(s.ctx, "i-1", id))
	}
	ids, err := s.store.GetFinalizedBranchIds(s.ctx, "i-1")
	s.Require().NoError(err)
	s.ElementsMatch([]int{3, 5}, ids)
}

func (s *StoreSuite) TestQueriesByKeyAndDefinition() {
	a := s.newInstance("i-a", "shared")
	b := s.newInstance("i-b", "shared")
	b.CreatedAt = s.base.Add(time.Second)
	c := s.newInstance("i-c", "other")
	c.DefinitionID = "shipping"
	for _, inst := range []*api.Instance{a, b, c} {
		s.Require().NoError(s.store.CreateNewOrchestration(s.ctx, inst))
	}
	s.Require().NoError(s.store.UpdateOrchestrationStatus(s.ctx, "i-b", api.InstanceTerminated, s.base))

	byKey, err := s.store.GetOrchestrationInstancesByKey(s.ctx, "shared")
	s.Require().NoError(err)
	s.Require().Len(byKey, 2)
	s.Equal("i-a", byKey[0].ID)
	s.Equal("i-b", byKey[1].ID)

	unfinished, err := s.store.GetAllUnfinishedInstances(s.ctx, "billing")
	s.Require().NoError(err)
	s.Require().Len(unfinished, 1)
	s.Equal("i-a", unfinished[0].ID)
}

func (s *StoreSuite) TestEvents() {
	first := &api.Event{ID: "e-1", Name: "approved", Key: "x", OrchestrationKey: "k-1", Data: "one", CreatedAt: s.base}
	second := &api.Event{ID: "e-2", Name: "approved", OrchestrationKey: "k-1", Data: storePayload{Order: "o"}, CreatedAt: s.base.Add(time.Second)}
	other := &api.Event{ID: "e-3", Name: "approved", OrchestrationKey: "k-2", CreatedAt: s.base}
	for _, ev := range []*api.Event{first, second, other} {
		s.Require().NoError(s.store.SaveNewEvent(s.ctx, ev))
	}
	s.ErrorIs(s.store.SaveNewEvent(s.ctx, first), ErrAlreadyExists)

	events, err := s.store.GetUnprocessedEvents(s.ctx, "k-1")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal("e-1", events[0].ID)
	s.Equal("x", events[0].Key)
	s.Equal("one", events[0].Data)
	s.Equal(storePayload{Order: "o"}, events[1].Data)

	s.Require().NoError(s.store.SetProcessedUtc(s.ctx, "e-1", s.base.Add(time.Minute)))
	events, err = s.store.GetUnprocessedEvents(s.ctx, "k-1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("e-2", events[0].ID)

	s.ErrorIs(s.store.SetProcessedUtc(s.ctx, "missing", s.base), api.ErrEventNotFound)
}

func (s *StoreSuite) TestRunnableInstances() {
	ready := s.newInstance("ready", "k-ready")

	sleeping := s.newInstance("sleeping", "k-sleeping")
	sleeping.Pointers[0].Status = api.PointerRetrying
	sleeping.Pointers[0].SleepUntil = s.base.Add(time.Hour)

	waiting := s.newInstance("waiting", "k-waiting")
	waiting.Pointers[0].Status = api.PointerWaitingForEvent
	waiting.Pointers[0].EventName = "approved"
	waiting.Pointers[0].WaitingSince = s.base

	expired := s.newInstance("expired", "k-expired")
	expired.Pointers[0].Status = api.PointerWaitingForEvent
	expired.Pointers[0].EventName = "approved"
	expired.Pointers[0].EventTTL = time.Minute
	expired.Pointers[0].WaitingSince = s.base.Add(-time.Hour)

	suspended := s.newInstance("suspended", "k-suspended")
	suspended.Status = api.InstanceSuspended

	for _, inst := range []*api.Instance{ready, sleeping, waiting, expired, suspended} {
		s.Require().NoError(s.store.CreateNewOrchestration(s.ctx, inst))
	}

	ids, err := s.store.GetRunnableInstances(s.ctx, s.base)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"ready", "expired"}, ids)

	s.Require().NoError(s.store.SaveNewEvent(s.ctx, &api.Event{ID: "e", Name: "approved", OrchestrationKey: "k-waiting", CreatedAt: s.base}))
	ids, err = s.store.GetRunnableInstances(s.ctx, s.base.Add(2*time.Hour))
	s.Require().NoError(err)
	s.ElementsMatch([]string{"ready", "sleeping", "waiting", "expired"}, ids)
}
