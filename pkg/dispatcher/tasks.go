package dispatcher

import (
	"sync"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a submitted task, matching the
// vocabulary get_task_status returns per spec §6.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
)

// TaskRecord is what get_task_status reports. Result/Error are mutually
// exclusive and only populated once State leaves TaskPending. Retryable
// carries the worker agent's dibberr.Retryable classification of Error, so
// a client polling get_task_status can tell a transient runtime_rpc failure
// (UNAVAILABLE, DEADLINE_EXCEEDED), which is worth resubmitting, apart from
// a permanent one.
type TaskRecord struct {
	ID        string
	Func      string
	State     TaskState
	Result    any
	Error     string
	Retryable bool
}

// TaskStore is the in-memory task backend clients poll via get_task_status.
// Per DESIGN.md's Open Question decision, results are not persisted beyond
// process lifetime; an operator needing durable retention should front this
// with the broker's own result backend instead.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*TaskRecord
}

// NewTaskStore constructs an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*TaskRecord)}
}

// Submit allocates a new task id in PENDING state for the named function
// and returns it.
func (s *TaskStore) Submit(funcName string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &TaskRecord{ID: id, Func: funcName, State: TaskPending}
	s.mu.Unlock()
	return id
}

// Complete records a successful result for id. Called by ResultConsumer
// when a worker agent's result message for the task arrives.
func (s *TaskStore) Complete(id string, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return
	}
	rec.State = TaskSuccess
	rec.Result = result
}

// Fail records a failed result for id. retryable marks whether the
// underlying cause is transient and worth resubmitting.
func (s *TaskStore) Fail(id string, errMsg string, retryable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return
	}
	rec.State = TaskFailure
	rec.Error = errMsg
	rec.Retryable = retryable
}

// Get returns a copy of the task record for id, or nil if unknown.
func (s *TaskStore) Get(id string) *TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}
