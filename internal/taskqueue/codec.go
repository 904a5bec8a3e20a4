package taskqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/petrijr/orchestra/internal/persistence"
	"github.com/petrijr/orchestra/pkg/api"
)

func init() {
	persistence.RegisterType(api.LifecycleEvent{})
}

// wireTask is the stored form of a Task. The payload goes through the
// persistence value codec, so any type registered with
// persistence.RegisterType can travel through a durable queue.
type wireTask struct {
	ID               string
	Type             TaskType
	EventName        string
	EventKey         string
	OrchestrationKey string
	Payload          []byte
	Attempts         int
	EnqueuedAt       time.Time
	NotBefore        time.Time
}

// EncodeTask serializes a Task for a durable queue.
func EncodeTask(t Task) ([]byte, error) {
	payload, err := persistence.EncodeValue(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("task %s payload: %w", t.ID, err)
	}
	w := wireTask{
		ID:               t.ID,
		Type:             t.Type,
		EventName:        t.EventName,
		EventKey:         t.EventKey,
		OrchestrationKey: t.OrchestrationKey,
		Payload:          payload,
		Attempts:         t.Attempts,
		EnqueuedAt:       t.EnqueuedAt,
		NotBefore:        t.NotBefore,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask reverses EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var w wireTask
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	payload, err := persistence.DecodeValue[any](w.Payload)
	if err != nil {
		return nil, fmt.Errorf("task %s payload: %w", w.ID, err)
	}
	return &Task{
		ID:               w.ID,
		Type:             w.Type,
		EventName:        w.EventName,
		EventKey:         w.EventKey,
		OrchestrationKey: w.OrchestrationKey,
		Payload:          payload,
		Attempts:         w.Attempts,
		EnqueuedAt:       w.EnqueuedAt,
		NotBefore:        w.NotBefore,
	}, nil
}
