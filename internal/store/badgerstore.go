package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/ronappleton/dagengine/internal/graph"
	"go.uber.org/zap"
)

// BadgerStore keeps everything in an embedded badger database. Conflicting
// transactions on the same execution key are retried, which gives the same
// serialized sequence assignment the Postgres row lock does.
type BadgerStore struct {
	db     *badger.DB
	retry  *retrier
	logger *zap.Logger
	// writeMu serializes read-modify-write transactions inside this process.
	writeMu sync.Mutex
}

type BadgerConfig struct {
	Path string
	// InMemory keeps all data in memory. Only tests use it.
	InMemory bool
}

func NewBadgerStore(cfg BadgerConfig, opts Options) (*BadgerStore, error) {
	opts = opts.withDefaults()
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger path is empty")
	}
	bopts := badger.DefaultOptions(cfg.Path).WithLogger(badgerLogger{opts.Logger.Sugar()})
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{opts.Logger.Sugar()})
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	opts.Logger.Info("badger store ready", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &BadgerStore{
		db:     db,
		retry:  newRetrier(opts, badgerTransient),
		logger: opts.Logger,
	}, nil
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Update(fn)
}

func badgerTransient(err error) bool {
	return errors.Is(err, badger.ErrConflict)
}

type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }

func workflowKey(id string) []byte       { return []byte("wf/" + id) }
func workflowNameKey(name string) []byte { return []byte("wfname/" + name) }
func execKey(id string) []byte           { return []byte("exec/" + id) }
func activeKey(id string) []byte         { return []byte("active/" + id) }
func nodePrefix(execID string) []byte    { return []byte("node/" + execID + "/") }
func nodeKey(execID, nodeID string) []byte {
	return []byte("node/" + execID + "/" + nodeID)
}
func eventPrefix(execID string) []byte { return []byte("event/" + execID + "/") }
func eventKey(execID string, seq int64) []byte {
	key := eventPrefix(execID)
	return binary.BigEndian.AppendUint64(key, uint64(seq))
}
func artifactPrefix(execID string) []byte { return []byte("artifact/" + execID + "/") }
func artifactKey(execID, nodeID, name string) []byte {
	return []byte("artifact/" + execID + "/" + nodeID + "/" + name)
}

func getJSON[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, b)
}

func scanJSON[T any](txn *badger.Txn, prefix, start []byte, limit int, each func(T)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	if start == nil {
		start = prefix
	}
	n := 0
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		if limit > 0 && n >= limit {
			break
		}
		var v T
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		each(v)
		n++
	}
	return nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return &PersistenceError{Op: "ping", Err: errors.New("database is closed")}
	}
	return s.retry.run(ctx, "ping", func(context.Context) error {
		return s.db.View(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("ping"))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		})
	})
}

func (s *BadgerStore) SaveWorkflow(ctx context.Context, def *graph.Definition) (*graph.Definition, error) {
	var saved *graph.Definition
	err := s.retry.run(ctx, "save_workflow", func(context.Context) error {
		return s.update(func(txn *badger.Txn) error {
			latest := 0
			item, err := txn.Get(workflowNameKey(def.Name))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					latest, err = strconv.Atoi(string(val))
					return err
				}); err != nil {
					return err
				}
			}
			saved = prepareWorkflow(def, latest, time.Now().UTC())
			if err := txn.Set(workflowNameKey(def.Name), []byte(strconv.Itoa(saved.Version))); err != nil {
				return err
			}
			return setJSON(txn, workflowKey(saved.ID), saved)
		})
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *BadgerStore) GetWorkflow(ctx context.Context, id string) (*graph.Definition, error) {
	var def *graph.Definition
	err := s.retry.run(ctx, "get_workflow", func(context.Context) error {
		return s.db.View(func(txn *badger.Txn) error {
			var err error
			def, err = getJSON[graph.Definition](txn, workflowKey(id))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, &PersistenceError{Op: "get_workflow", Err: err}
	}
	return def, nil
}

func (s *BadgerStore) ListWorkflows(ctx context.Context) ([]*graph.Definition, error) {
	var out []*graph.Definition
	err := s.retry.run(ctx, "list_workflows", func(context.Context) error {
		out = nil
		return s.db.View(func(txn *badger.Txn) error {
			return scanJSON(txn, []byte("wf/"), nil, 0, func(def graph.Definition) {
				out = append(out, &def)
			})
		})
	})
	if err != nil {
		return nil, err
	}
	for _, def := range out {
		if err := def.Validate(); err != nil {
			return nil, &PersistenceError{Op: "list_workflows", Err: err}
		}
	}
	return out, nil
}

func (s *BadgerStore) CreateExecution(ctx context.Context, def *graph.Definition, initial map[string]any) (*Execution, error) {
	exec, states := newExecution(def, initial, time.Now().UTC())
	err := s.retry.run(ctx, "create_execution", func(context.Context) error {
		return s.update(func(txn *badger.Txn) error {
			if err := setJSON(txn, execKey(exec.ID), exec); err != nil {
				return err
			}
			if err := txn.Set(activeKey(exec.ID), nil); err != nil {
				return err
			}
			for _, st := range states {
				if err := setJSON(txn, nodeKey(exec.ID, st.NodeID), st); err != nil {
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

func (s *BadgerStore) SaveNodeState(ctx context.Context, executionID string, u NodeUpdate) ([]Event, error) {
	var events []Event
	err := s.retry.run(ctx, "save_node_state", func(context.Context) error {
		return s.update(func(txn *badger.Txn) error {
			now := time.Now().UTC()
			exec, err := getJSON[Execution](txn, execKey(executionID))
			if err != nil {
				return err
			}
			current, err := getJSON[NodeState](txn, nodeKey(executionID, u.State.NodeID))
			if err != nil {
				return err
			}
			if err := checkTransition(*current, u.State); err != nil {
				return err
			}
			state := applyNodeUpdate(exec, u, now)
			if state.Status == NodeCompleted && current.Status != NodeCompleted {
				exec.CompletedNodes++
			}
			for _, a := range stampArtifacts(exec, state.NodeID, u.Artifacts, now) {
				key := artifactKey(exec.ID, a.NodeID, a.Name)
				if _, err := txn.Get(key); err == nil {
					continue
				}
				if err := setJSON(txn, key, a); err != nil {
					return err
				}
			}
			events = stampEvents(exec, u.Events, now)
			for _, e := range events {
				if err := setJSON(txn, eventKey(exec.ID, e.Sequence), e); err != nil {
					return err
				}
			}
			if err := setJSON(txn, nodeKey(exec.ID, state.NodeID), state); err != nil {
				return err
			}
			return setJSON(txn, execKey(exec.ID), exec)
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BadgerStore) UpdateExecution(ctx context.Context, executionID string, u ExecutionUpdate) ([]Event, error) {
	var events []Event
	err := s.retry.run(ctx, "update_execution", func(context.Context) error {
		return s.update(func(txn *badger.Txn) error {
			now := time.Now().UTC()
			exec, err := getJSON[Execution](txn, execKey(executionID))
			if err != nil {
				return err
			}
			applyExecutionUpdate(exec, u, now)
			events = stampEvents(exec, u.Events, now)
			for _, e := range events {
				if err := setJSON(txn, eventKey(exec.ID, e.Sequence), e); err != nil {
					return err
				}
			}
			if exec.Status.Terminal() {
				if err := txn.Delete(activeKey(exec.ID)); err != nil {
					return err
				}
			}
			return setJSON(txn, execKey(exec.ID), exec)
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BadgerStore) AppendEvent(ctx context.Context, executionID string, e Event) (Event, error) {
	events, err := s.UpdateExecution(ctx, executionID, ExecutionUpdate{Events: []Event{e}})
	if err != nil {
		return Event{}, err
	}
	return events[0], nil
}

func (s *BadgerStore) LoadExecution(ctx context.Context, id string) (*Execution, []NodeState, error) {
	var (
		exec   *Execution
		states []NodeState
	)
	err := s.retry.run(ctx, "load_execution", func(context.Context) error {
		states = nil
		return s.db.View(func(txn *badger.Txn) error {
			var err error
			exec, err = getJSON[Execution](txn, execKey(id))
			if err != nil {
				return err
			}
			return scanJSON(txn, nodePrefix(id), nil, 0, func(st NodeState) {
				states = append(states, st)
			})
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return exec, states, nil
}

func (s *BadgerStore) ListActiveExecutions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.retry.run(ctx, "list_active_executions", func(context.Context) error {
		ids = nil
		return s.db.View(func(txn *badger.Txn) error {
			prefix := []byte("active/")
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				ids = append(ids, string(it.Item().Key()[len(prefix):]))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BadgerStore) ListEvents(ctx context.Context, executionID string, afterSeq int64, limit int) ([]Event, error) {
	var events []Event
	err := s.retry.run(ctx, "list_events", func(context.Context) error {
		events = nil
		return s.db.View(func(txn *badger.Txn) error {
			if _, err := getJSON[Execution](txn, execKey(executionID)); err != nil {
				return err
			}
			return scanJSON(txn, eventPrefix(executionID), eventKey(executionID, max(afterSeq, 0)+1), limit, func(e Event) {
				events = append(events, e)
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BadgerStore) ListArtifacts(ctx context.Context, executionID string) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.retry.run(ctx, "list_artifacts", func(context.Context) error {
		artifacts = nil
		return s.db.View(func(txn *badger.Txn) error {
			return scanJSON(txn, artifactPrefix(executionID), nil, 0, func(a Artifact) {
				artifacts = append(artifacts, a)
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
