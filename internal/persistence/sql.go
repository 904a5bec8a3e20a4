package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/orchestra/pkg/api"
)

// dialect captures the differences between the SQL databases the store
// supports.
type dialect struct {
	name              string
	blobType          string
	seqColumn         string
	numberedParams    bool
	isUniqueViolation func(error) bool
}

// sqlStore is a Store over database/sql shared by the SQLite and Postgres
// stores. Queries are written with '?' placeholders and rebound per
// dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) rebind(query string) string {
	if !s.d.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orchestrations (
			id TEXT PRIMARY KEY,
			orchestration_key TEXT NOT NULL,
			definition_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data ` + s.d.blobType + `,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			idle_timeout BIGINT NOT NULL DEFAULT 0,
			trace TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orchestrations_key ON orchestrations (orchestration_key)`,
		`CREATE INDEX IF NOT EXISTS idx_orchestrations_definition ON orchestrations (definition_id, status)`,
		`CREATE TABLE IF NOT EXISTS execution_pointers (
			seq ` + s.d.seqColumn + `,
			id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL,
			step_id INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			active INTEGER NOT NULL,
			status TEXT NOT NULL,
			sleep_until BIGINT NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			event_name TEXT NOT NULL DEFAULT '',
			event_key TEXT NOT NULL DEFAULT '',
			event_ttl BIGINT NOT NULL DEFAULT 0,
			waiting_since BIGINT NOT NULL DEFAULT 0,
			event_published INTEGER NOT NULL DEFAULT 0,
			event_data ` + s.d.blobType + `,
			nested TEXT NOT NULL DEFAULT '',
			predecessor_id TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_pointers_instance ON execution_pointers (instance_id)`,
		`CREATE TABLE IF NOT EXISTS finalized_branches (
			instance_id TEXT NOT NULL,
			step_id INTEGER NOT NULL,
			PRIMARY KEY (instance_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS orchestration_events (
			seq ` + s.d.seqColumn + `,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			event_key TEXT NOT NULL DEFAULT '',
			orchestration_key TEXT NOT NULL,
			data ` + s.d.blobType + `,
			created_at BIGINT NOT NULL,
			processed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orchestration_events_key ON orchestration_events (orchestration_key, processed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) mapErr(err error) error {
	if err != nil && s.d.isUniqueViolation != nil && s.d.isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	return err
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) insertPointer(ctx context.Context, q sqlExecer, instanceID string, p *api.ExecutionPointer) error {
	rec, err := newPointerRecord(instanceID, p)
	if err != nil {
		return err
	}
	cols := append([]string{"instance_id"}, pointerColumns...)
	args := append([]any{instanceID}, rec.values()...)
	query := "INSERT INTO execution_pointers (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	_, err = s.exec(ctx, q, query, args...)
	return s.mapErr(err)
}

func (s *sqlStore) CreateNewOrchestration(ctx context.Context, inst *api.Instance) error {
	data, err := EncodeValue(inst.Data)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO orchestrations (id, orchestration_key, definition_id, version, data, status, created_at, completed_at, idle_timeout, trace)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.Key, inst.DefinitionID, inst.Version, data, string(inst.Status),
			toNanos(inst.CreatedAt), toNanos(inst.CompletedAt), int64(inst.WorkerIdleTimeout), inst.Trace,
		)
		if err != nil {
			return s.mapErr(err)
		}
		for _, p := range inst.Pointers {
			if err := s.insertPointer(ctx, tx, inst.ID, p); err != nil {
				return err
			}
		}
		for _, stepID := range inst.FinalizedBranches {
			if err := s.addFinalized(ctx, tx, inst.ID, stepID); err != nil {
				return err
			}
		}
		return nil
	})
}

func affectedOrNotFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s *sqlStore) UpdateOrchestrationStatus(ctx context.Context, id string, status api.InstanceStatus, completedAt time.Time) error {
	var (
		res sql.Result
		err error
	)
	if completedAt.IsZero() {
		res, err = s.exec(ctx, s.db, `UPDATE orchestrations SET status = ? WHERE id = ?`, string(status), id)
	} else {
		res, err = s.exec(ctx, s.db, `UPDATE orchestrations SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), toNanos(completedAt), id)
	}
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, api.ErrInstanceNotFound)
}

func (s *sqlStore) UpdateOrchestrationData(ctx context.Context, id string, data any) error {
	encoded, err := EncodeValue(data)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `UPDATE orchestrations SET data = ? WHERE id = ?`, encoded, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, api.ErrInstanceNotFound)
}

func (s *sqlStore) instanceExists(ctx context.Context, q sqlExecer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM orchestrations WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ErrInstanceNotFound
	}
	return err
}

func (s *sqlStore) AddExecutionPointer(ctx context.Context, instanceID string, p *api.ExecutionPointer) error {
	if err := s.instanceExists(ctx, s.db, instanceID); err != nil {
		return err
	}
	return s.insertPointer(ctx, s.db, instanceID, p)
}

func (s *sqlStore) AddNestedExecutionPointer(ctx context.Context, instanceID, containerID string, p *api.ExecutionPointer) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `
			UPDATE execution_pointers
			SET nested = CASE WHEN nested = '' THEN CAST(? AS TEXT) ELSE nested || ',' || CAST(? AS TEXT) END
			WHERE instance_id = ? AND id = ?`,
			p.ID, p.ID, instanceID, containerID,
		)
		if err != nil {
			return err
		}
		if err := affectedOrNotFound(res, ErrPointerNotFound); err != nil {
			return err
		}
		return s.insertPointer(ctx, tx, instanceID, p)
	})
}

var pointerSelect = "SELECT " + strings.Join(pointerColumns, ", ") + " FROM execution_pointers"

func (s *sqlStore) GetStepExecutionPointer(ctx context.Context, instanceID, pointerID string) (*api.ExecutionPointer, error) {
	var rec pointerRecord
	err := s.db.QueryRowContext(ctx, s.rebind(pointerSelect+` WHERE instance_id = ? AND id = ?`), instanceID, pointerID).
		Scan(rec.scanTargets()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPointerNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toPointer()
}

func (s *sqlStore) GetExecutionPointers(ctx context.Context, instanceID string) ([]*api.ExecutionPointer, error) {
	if err := s.instanceExists(ctx, s.db, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(pointerSelect+` WHERE instance_id = ? ORDER BY seq`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []pointerRecord
	for rows.Next() {
		var rec pointerRecord
		if err := rows.Scan(rec.scanTargets()...); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*api.ExecutionPointer, 0, len(recs))
	for i := range recs {
		p, err := recs[i].toPointer()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *sqlStore) UpdateExecutionPointer(ctx context.Context, instanceID, pointerID string, patch *api.PointerPatch) error {
	cols, err := patchColumns(patch)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		sets = append(sets, c.column+" = ?")
		args = append(args, c.value)
	}
	args = append(args, instanceID, pointerID)

	res, err := s.exec(ctx, s.db,
		"UPDATE execution_pointers SET "+strings.Join(sets, ", ")+" WHERE instance_id = ? AND id = ?", args...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, ErrPointerNotFound)
}

func (s *sqlStore) addFinalized(ctx context.Context, q sqlExecer, instanceID string, stepID int) error {
	_, err := s.exec(ctx, q, `INSERT INTO finalized_branches (instance_id, step_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		instanceID, stepID)
	return err
}

func (s *sqlStore) AddFinalizedBranch(ctx context.Context, instanceID string, stepID int) error {
	if err := s.instanceExists(ctx, s.db, instanceID); err != nil {
		return err
	}
	return s.addFinalized(ctx, s.db, instanceID, stepID)
}

func (s *sqlStore) GetFinalizedBranchIds(ctx context.Context, instanceID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT step_id FROM finalized_branches WHERE instance_id = ? ORDER BY step_id`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const instanceSelect = `SELECT id, orchestration_key, definition_id, version, data, status, created_at, completed_at, idle_timeout, trace FROM orchestrations`

type instanceRow struct {
	inst                            api.Instance
	data                            []byte
	status                          string
	createdAt, completedAt, timeout int64
}

func (r *instanceRow) targets() []any {
	return []any{&r.inst.ID, &r.inst.Key, &r.inst.DefinitionID, &r.inst.Version, &r.data, &r.status,
		&r.createdAt, &r.completedAt, &r.timeout, &r.inst.Trace}
}

func (r *instanceRow) toInstance() (*api.Instance, error) {
	data, err := DecodeValue[any](r.data)
	if err != nil {
		return nil, err
	}
	inst := r.inst
	inst.Data = data
	inst.Status = api.InstanceStatus(r.status)
	inst.CreatedAt = fromNanos(r.createdAt)
	inst.CompletedAt = fromNanos(r.completedAt)
	inst.WorkerIdleTimeout = time.Duration(r.timeout)
	return &inst, nil
}

func (s *sqlStore) GetOrchestrationInstance(ctx context.Context, id string) (*api.Instance, error) {
	var row instanceRow
	err := s.db.QueryRowContext(ctx, s.rebind(instanceSelect+` WHERE id = ?`), id).Scan(row.targets()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toInstance()
}

func (s *sqlStore) queryInstances(ctx context.Context, where string, args ...any) ([]*api.Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(instanceSelect+" WHERE "+where+" ORDER BY created_at, id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Instance
	for rows.Next() {
		var row instanceRow
		if err := rows.Scan(row.targets()...); err != nil {
			return nil, err
		}
		inst, err := row.toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetOrchestrationInstancesByKey(ctx context.Context, key string) ([]*api.Instance, error) {
	return s.queryInstances(ctx, "orchestration_key = ?", key)
}

func (s *sqlStore) GetAllUnfinishedInstances(ctx context.Context, definitionID string) ([]*api.Instance, error) {
	return s.queryInstances(ctx, "definition_id = ? AND status NOT IN (?, ?)",
		definitionID, string(api.InstanceCompleted), string(api.InstanceTerminated))
}

func (s *sqlStore) GetRunnableInstances(ctx context.Context, now time.Time) ([]string, error) {
	ts := now.UnixNano()
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT o.id
		FROM orchestrations o
		JOIN execution_pointers p ON p.instance_id = o.id
		WHERE o.status IN (?, ?)
		  AND p.active = 1
		  AND p.status NOT IN (?, ?)
		  AND (
			(p.status <> ? AND p.sleep_until <= ?)
			OR (p.status = ? AND (
				p.event_published = 1
				OR (p.event_ttl > 0 AND p.waiting_since > 0 AND p.waiting_since + p.event_ttl <= ?)
				OR EXISTS (
					SELECT 1 FROM orchestration_events e
					WHERE e.orchestration_key = o.orchestration_key
					  AND e.name = p.event_name
					  AND e.processed_at = 0
					  AND (p.event_key = '' OR e.event_key = p.event_key)
				)
			))
		  )
		ORDER BY o.id`),
		string(api.InstanceRunning), string(api.InstanceExecuting),
		string(api.PointerCompleted), string(api.PointerSuspended),
		string(api.PointerWaitingForEvent), ts,
		string(api.PointerWaitingForEvent), ts,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveNewEvent(ctx context.Context, ev *api.Event) error {
	data, err := EncodeValue(ev.Data)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO orchestration_events (id, name, event_key, orchestration_key, data, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, ev.Key, ev.OrchestrationKey, data, toNanos(ev.CreatedAt), toNanos(ev.ProcessedAt),
	)
	return s.mapErr(err)
}

func (s *sqlStore) GetUnprocessedEvents(ctx context.Context, orchestrationKey string) ([]*api.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, name, event_key, orchestration_key, data, created_at
		FROM orchestration_events
		WHERE orchestration_key = ? AND processed_at = 0
		ORDER BY seq`), orchestrationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Event
	for rows.Next() {
		var (
			ev        api.Event
			data      []byte
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.Key, &ev.OrchestrationKey, &data, &createdAt); err != nil {
			return nil, err
		}
		if ev.Data, err = DecodeValue[any](data); err != nil {
			return nil, err
		}
		ev.CreatedAt = fromNanos(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetProcessedUtc(ctx context.Context, eventID string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE orchestration_events SET processed_at = ? WHERE id = ?`, toNanos(at), eventID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, api.ErrEventNotFound)
}
