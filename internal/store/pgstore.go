package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ronappleton/dagengine/internal/graph"
	"go.uber.org/zap"
)

type PGStore struct {
	pool   *pgxpool.Pool
	retry  *retrier
	logger *zap.Logger
}

type PGConfig struct {
	DSN      string
	MaxConns int32
}

func NewPGStore(ctx context.Context, cfg PGConfig, opts Options) (*PGStore, error) {
	opts = opts.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	s := &PGStore{pool: pool, retry: newRetrier(opts, pgTransient), logger: opts.Logger}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("postgres store ready", zap.Int32("max_conns", poolCfg.MaxConns))
	return s, nil
}

func pgTransient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

var migrations = []string{
	`create table if not exists dag_workflows (
  id text primary key,
  name text not null,
  version int not null,
  payload jsonb not null,
  created_at timestamptz not null,
  unique (name, version)
)`,
	`create table if not exists dag_executions (
  id text primary key,
  workflow_id text not null references dag_workflows (id),
  status text not null,
  last_sequence bigint not null default 0,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
)`,
	`create index if not exists dag_executions_status_idx on dag_executions (status)`,
	`create table if not exists dag_node_states (
  execution_id text not null references dag_executions (id),
  node_id text not null,
  status text not null,
  attempt_count int not null default 0,
  payload jsonb not null,
  updated_at timestamptz not null,
  primary key (execution_id, node_id)
)`,
	`create index if not exists dag_node_states_status_idx on dag_node_states (execution_id, status)`,
	`create table if not exists dag_events (
  id text primary key,
  execution_id text not null references dag_executions (id),
  sequence_number bigint not null,
  node_id text,
  type text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  unique (execution_id, sequence_number)
)`,
	`create table if not exists dag_artifacts (
  execution_id text not null references dag_executions (id),
  node_id text not null,
  name text not null,
  payload jsonb not null,
  created_at timestamptz not null,
  primary key (execution_id, node_id, name)
)`,
}

// Migrate applies the schema. Every statement is idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	return s.retry.run(ctx, "migrate", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range migrations {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.retry.run(ctx, "ping", func(ctx context.Context) error {
		return s.pool.Ping(ctx)
	})
}

func decode[T any](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &v, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *PGStore) SaveWorkflow(ctx context.Context, def *graph.Definition) (*graph.Definition, error) {
	var saved *graph.Definition
	err := s.retry.run(ctx, "save_workflow", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `select pg_advisory_xact_lock(hashtext($1))`, def.Name); err != nil {
				return err
			}
			var latest int
			if err := tx.QueryRow(ctx, `select coalesce(max(version), 0) from dag_workflows where name = $1`, def.Name).Scan(&latest); err != nil {
				return err
			}
			saved = prepareWorkflow(def, latest, time.Now().UTC())
			b, err := json.Marshal(saved)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `insert into dag_workflows (id, name, version, payload, created_at) values ($1, $2, $3, $4, $5)`,
				saved.ID, saved.Name, saved.Version, b, saved.CreatedAt)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *PGStore) GetWorkflow(ctx context.Context, id string) (*graph.Definition, error) {
	var def *graph.Definition
	err := s.retry.run(ctx, "get_workflow", func(ctx context.Context) error {
		var raw []byte
		if err := s.pool.QueryRow(ctx, `select payload from dag_workflows where id = $1`, id).Scan(&raw); err != nil {
			return notFound(err, "workflow "+id)
		}
		var err error
		def, err = decode[graph.Definition](raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, &PersistenceError{Op: "get_workflow", Err: err}
	}
	return def, nil
}

func (s *PGStore) ListWorkflows(ctx context.Context) ([]*graph.Definition, error) {
	var out []*graph.Definition
	err := s.retry.run(ctx, "list_workflows", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `select payload from dag_workflows order by created_at, id`)
		if err != nil {
			return err
		}
		payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
		if err != nil {
			return err
		}
		out = make([]*graph.Definition, 0, len(payloads))
		for _, raw := range payloads {
			def, err := decode[graph.Definition](raw)
			if err != nil {
				return err
			}
			if err := def.Validate(); err != nil {
				return err
			}
			out = append(out, def)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) CreateExecution(ctx context.Context, def *graph.Definition, initial map[string]any) (*Execution, error) {
	exec, states := newExecution(def, initial, time.Now().UTC())
	err := s.retry.run(ctx, "create_execution", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := writeExecution(ctx, tx, exec, true); err != nil {
				return err
			}
			for _, st := range states {
				if err := writeNodeState(ctx, tx, st); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func writeExecution(ctx context.Context, tx pgx.Tx, exec *Execution, insert bool) error {
	b, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	if insert {
		_, err = tx.Exec(ctx, `insert into dag_executions (id, workflow_id, status, last_sequence, payload, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7)`,
			exec.ID, exec.WorkflowID, exec.Status, exec.LastSequence, b, exec.CreatedAt, exec.UpdatedAt)
		return err
	}
	_, err = tx.Exec(ctx, `update dag_executions set status = $2, last_sequence = $3, payload = $4, updated_at = $5 where id = $1`,
		exec.ID, exec.Status, exec.LastSequence, b, exec.UpdatedAt)
	return err
}

func writeNodeState(ctx context.Context, tx pgx.Tx, st NodeState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `insert into dag_node_states (execution_id, node_id, status, attempt_count, payload, updated_at)
values ($1, $2, $3, $4, $5, $6)
on conflict (execution_id, node_id) do update set status = excluded.status, attempt_count = excluded.attempt_count,
  payload = excluded.payload, updated_at = excluded.updated_at`,
		st.ExecutionID, st.NodeID, st.Status, st.AttemptCount, b, st.UpdatedAt)
	return err
}

func writeEvents(ctx context.Context, tx pgx.Tx, events []Event) error {
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		var nodeID *string
		if e.NodeID != "" {
			nodeID = &e.NodeID
		}
		if _, err := tx.Exec(ctx, `insert into dag_events (id, execution_id, sequence_number, node_id, type, payload, created_at)
values ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.ExecutionID, e.Sequence, nodeID, e.Type, b, e.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// lockExecution reads the execution row for update; concurrent writers for
// the same execution queue here, which keeps sequence numbers gapless.
func lockExecution(ctx context.Context, tx pgx.Tx, id string) (*Execution, error) {
	var raw []byte
	if err := tx.QueryRow(ctx, `select payload from dag_executions where id = $1 for update`, id).Scan(&raw); err != nil {
		return nil, notFound(err, "execution "+id)
	}
	return decode[Execution](raw)
}

func (s *PGStore) SaveNodeState(ctx context.Context, executionID string, u NodeUpdate) ([]Event, error) {
	var events []Event
	err := s.retry.run(ctx, "save_node_state", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			exec, err := lockExecution(ctx, tx, executionID)
			if err != nil {
				return err
			}
			var raw []byte
			if err := tx.QueryRow(ctx, `select payload from dag_node_states where execution_id = $1 and node_id = $2`,
				executionID, u.State.NodeID).Scan(&raw); err != nil {
				return notFound(err, "node "+u.State.NodeID)
			}
			current, err := decode[NodeState](raw)
			if err != nil {
				return err
			}
			if err := checkTransition(*current, u.State); err != nil {
				return err
			}
			state := applyNodeUpdate(exec, u, now)
			if err := writeNodeState(ctx, tx, state); err != nil {
				return err
			}
			if err := tx.QueryRow(ctx, `select count(*) from dag_node_states where execution_id = $1 and status = $2`,
				executionID, NodeCompleted).Scan(&exec.CompletedNodes); err != nil {
				return err
			}
			for _, a := range stampArtifacts(exec, state.NodeID, u.Artifacts, now) {
				b, err := json.Marshal(a)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(ctx, `insert into dag_artifacts (execution_id, node_id, name, payload, created_at)
values ($1, $2, $3, $4, $5) on conflict do nothing`, a.ExecutionID, a.NodeID, a.Name, b, a.CreatedAt); err != nil {
					return err
				}
			}
			events = stampEvents(exec, u.Events, now)
			if err := writeEvents(ctx, tx, events); err != nil {
				return err
			}
			return writeExecution(ctx, tx, exec, false)
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PGStore) UpdateExecution(ctx context.Context, executionID string, u ExecutionUpdate) ([]Event, error) {
	var events []Event
	err := s.retry.run(ctx, "update_execution", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			exec, err := lockExecution(ctx, tx, executionID)
			if err != nil {
				return err
			}
			applyExecutionUpdate(exec, u, now)
			events = stampEvents(exec, u.Events, now)
			if err := writeEvents(ctx, tx, events); err != nil {
				return err
			}
			return writeExecution(ctx, tx, exec, false)
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, executionID string, e Event) (Event, error) {
	events, err := s.UpdateExecution(ctx, executionID, ExecutionUpdate{Events: []Event{e}})
	if err != nil {
		return Event{}, err
	}
	return events[0], nil
}

func (s *PGStore) LoadExecution(ctx context.Context, id string) (*Execution, []NodeState, error) {
	var (
		exec   *Execution
		states []NodeState
	)
	err := s.retry.run(ctx, "load_execution", func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
			var raw []byte
			if err := tx.QueryRow(ctx, `select payload from dag_executions where id = $1`, id).Scan(&raw); err != nil {
				return notFound(err, "execution "+id)
			}
			var err error
			if exec, err = decode[Execution](raw); err != nil {
				return err
			}
			rows, err := tx.Query(ctx, `select payload from dag_node_states where execution_id = $1 order by node_id`, id)
			if err != nil {
				return err
			}
			payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
			if err != nil {
				return err
			}
			states = make([]NodeState, 0, len(payloads))
			for _, p := range payloads {
				st, err := decode[NodeState](p)
				if err != nil {
					return err
				}
				states = append(states, *st)
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return exec, states, nil
}

func (s *PGStore) ListActiveExecutions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.retry.run(ctx, "list_active_executions", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `select id from dag_executions where status in ($1, $2) order by id`,
			ExecutionPending, ExecutionRunning)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PGStore) ListEvents(ctx context.Context, executionID string, afterSeq int64, limit int) ([]Event, error) {
	var events []Event
	err := s.retry.run(ctx, "list_events", func(ctx context.Context) error {
		var exists bool
		if err := s.pool.QueryRow(ctx, `select exists(select 1 from dag_executions where id = $1)`, executionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		var lim any
		if limit > 0 {
			lim = limit
		}
		rows, err := s.pool.Query(ctx, `select payload from dag_events where execution_id = $1 and sequence_number > $2
order by sequence_number limit $3`, executionID, afterSeq, lim)
		if err != nil {
			return err
		}
		payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
		if err != nil {
			return err
		}
		events = make([]Event, 0, len(payloads))
		for _, p := range payloads {
			e, err := decode[Event](p)
			if err != nil {
				return err
			}
			events = append(events, *e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PGStore) ListArtifacts(ctx context.Context, executionID string) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.retry.run(ctx, "list_artifacts", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `select payload from dag_artifacts where execution_id = $1 order by node_id, name`, executionID)
		if err != nil {
			return err
		}
		payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
		if err != nil {
			return err
		}
		artifacts = make([]Artifact, 0, len(payloads))
		for _, p := range payloads {
			a, err := decode[Artifact](p)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, *a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
