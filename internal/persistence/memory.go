package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

type memoryInstance struct {
	header    *api.Instance
	pointers  []*api.ExecutionPointer
	finalized []int
}

// MemoryStore is a non-durable Store for tests and local runs. Values are
// copied on the way in and out, so callers never share state with it.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*memoryInstance
	order     []string
	events    map[string]*api.Event
	eventSeq  []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*memoryInstance),
		events:    make(map[string]*api.Event),
	}
}

func headerOf(inst *api.Instance) *api.Instance {
	h := *inst
	h.Pointers = nil
	h.FinalizedBranches = nil
	return &h
}

func (m *MemoryStore) get(id string) (*memoryInstance, error) {
	mi, ok := m.instances[id]
	if !ok {
		return nil, api.ErrInstanceNotFound
	}
	return mi, nil
}

func (m *MemoryStore) CreateNewOrchestration(_ context.Context, inst *api.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.ID]; exists {
		return ErrAlreadyExists
	}
	mi := &memoryInstance{header: headerOf(inst), finalized: slices.Clone(inst.FinalizedBranches)}
	for _, p := range inst.Pointers {
		mi.pointers = append(mi.pointers, p.Clone())
	}
	m.instances[inst.ID] = mi
	m.order = append(m.order, inst.ID)
	return nil
}

func (m *MemoryStore) UpdateOrchestrationStatus(_ context.Context, id string, status api.InstanceStatus, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.get(id)
	if err != nil {
		return err
	}
	mi.header.Status = status
	if !completedAt.IsZero() {
		mi.header.CompletedAt = completedAt
	}
	return nil
}

func (m *MemoryStore) UpdateOrchestrationData(_ context.Context, id string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.get(id)
	if err != nil {
		return err
	}
	mi.header.Data = data
	return nil
}

func (m *MemoryStore) AddExecutionPointer(_ context.Context, instanceID string, p *api.ExecutionPointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.get(instanceID)
	if err != nil {
		return err
	}
	mi.pointers = append(mi.pointers, p.Clone())
	return nil
}

func (m *MemoryStore) AddNestedExecutionPointer(_ context.Context, instanceID, containerID string, p *api.ExecutionPointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.get(instanceID)
	if err != nil {
		return err
	}
	container := findPointer(mi.pointers, containerID)
	if container == nil {
		return ErrPointerNotFound
	}
	mi.pointers = append(mi.pointers, p.Clone())
	container.Nested = append(container.Nested, p.ID)
	return nil
}

func findPointer(ps []*api.ExecutionPointer, id string) *api.ExecutionPointer {
	for _, p := range ps {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (m *MemoryStore) GetStepExecutionPointer(_ context.Context, instanceID, pointerID string) (*api.ExecutionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mi, err := m.get(instanceID)
	if err != nil {
		return nil, err
	}
	p := findPointer(mi.pointers, pointerID)
	if p == nil {
		return nil, ErrPointerNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) GetExecutionPointers(_ context.Context, instanceID string) ([]*api.ExecutionPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mi, err := m.get(instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]*api.ExecutionPointer, len(mi.pointers))
	for i, p := range mi.pointers {
		out[i] = p.Clone()
	}
	return out, nil
}

func (m *MemoryStore) UpdateExecutionPointer(_ context.Context, instanceID, pointerID string, patch *api.PointerPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.get(instanceID)
	if err != nil {
		return err
	}
	p := findPointer(mi.pointers, pointerID)
	if p == nil {
		return ErrPointerNotFound
	}
	patch.Apply(p)
	return nil
}

func (m *MemoryStore) AddFinalizedBranch(_ context.Context, instanceID string, stepID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, err := m.get(instanceID)
	if err != nil {
		return err
	}
	if !slices.Contains(mi.finalized, stepID) {
		mi.finalized = append(mi.finalized, stepID)
	}
	return nil
}

func (m *MemoryStore) GetFinalizedBranchIds(_ context.Context, instanceID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mi, err := m.get(instanceID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(mi.finalized), nil
}

func (m *MemoryStore) GetOrchestrationInstance(_ context.Context, id string) (*api.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mi, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return headerOf(mi.header), nil
}

func (m *MemoryStore) filter(keep func(*api.Instance) bool) []*api.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*api.Instance
	for _, id := range m.order {
		h := m.instances[id].header
		if keep(h) {
			out = append(out, headerOf(h))
		}
	}
	return out
}

func (m *MemoryStore) GetOrchestrationInstancesByKey(_ context.Context, key string) ([]*api.Instance, error) {
	return m.filter(func(h *api.Instance) bool { return h.Key == key }), nil
}

func (m *MemoryStore) GetAllUnfinishedInstances(_ context.Context, definitionID string) ([]*api.Instance, error) {
	return m.filter(func(h *api.Instance) bool {
		return h.DefinitionID == definitionID && !h.Status.IsFinished()
	}), nil
}

func (m *MemoryStore) GetRunnableInstances(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, id := range m.order {
		mi := m.instances[id]
		inst := &api.Instance{Status: mi.header.Status, Pointers: mi.pointers}
		if IsRunnable(inst, m.unprocessedLocked(mi.header.Key), now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveNewEvent(_ context.Context, ev *api.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[ev.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *ev
	m.events[ev.ID] = &cp
	m.eventSeq = append(m.eventSeq, ev.ID)
	return nil
}

func (m *MemoryStore) unprocessedLocked(key string) []*api.Event {
	var out []*api.Event
	for _, id := range m.eventSeq {
		ev := m.events[id]
		if ev.OrchestrationKey == key && ev.ProcessedAt.IsZero() {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) GetUnprocessedEvents(_ context.Context, orchestrationKey string) ([]*api.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.unprocessedLocked(orchestrationKey)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetProcessedUtc(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[eventID]
	if !ok {
		return api.ErrEventNotFound
	}
	ev.ProcessedAt = at
	return nil
}
