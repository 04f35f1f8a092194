package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relialabs/doctext/internal/extract"
	"github.com/relialabs/doctext/internal/observability"
)

type memQueue struct {
	mu   sync.Mutex
	msgs []*Message
}

func (q *memQueue) Enqueue(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.After(timeout)
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrQueueEmpty
		case <-time.After(time.Millisecond):
		}
	}
}

func (q *memQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.msgs)), nil
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*Record)}
}

func (s *memStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	result  *extract.Result
	err     error
	block   chan struct{} // when set, Extract blocks until closed or ctx done
	started chan string
}

func (e *fakeExecutor) Extract(ctx context.Context, req *extract.Request) (*extract.Result, error) {
	e.mu.Lock()
	e.calls++
	block := e.block
	e.mu.Unlock()
	if e.started != nil {
		e.started <- req.Filename
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func enqueuePending(t *testing.T, q Queue, s Store, path string) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now()
	require.NoError(t, s.Put(context.Background(), &Record{
		ID: id, State: StatePending, Filename: "doc.txt", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, q.Enqueue(context.Background(), &Message{
		TaskID: id, FilePath: path, Filename: "doc.txt", EnqueuedAt: now,
	}))
	return id
}

func testPool(q Queue, s Store, exec Executor) *Pool {
	cfg := DefaultPoolConfig()
	cfg.Workers = 2
	cfg.PollTimeout = 5 * time.Millisecond
	return NewPool(cfg, q, s, exec, observability.NopLogger())
}

func TestPool_Success(t *testing.T) {
	q := &memQueue{}
	s := newMemStore()
	exec := &fakeExecutor{result: &extract.Result{Text: "hello", Extractor: "plain_text"}}
	p := testPool(q, s, exec)

	var doneMu sync.Mutex
	var done []string
	p.OnTaskDone(func(id string) {
		doneMu.Lock()
		done = append(done, id)
		doneMu.Unlock()
	})

	id := enqueuePending(t, q, s, writeDoc(t, "hello"))
	p.Start(context.Background())
	defer p.Drain(context.Background())

	require.Eventually(t, func() bool {
		rec, err := s.Get(context.Background(), id)
		return err == nil && rec.State == StateSuccess
	}, time.Second, time.Millisecond)

	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Result.Text)
	assert.Equal(t, "plain_text", rec.Result.Extractor)
	assert.Empty(t, rec.Error)

	doneMu.Lock()
	assert.Equal(t, []string{id}, done)
	doneMu.Unlock()
}

func TestPool_FailureStoresError(t *testing.T) {
	q := &memQueue{}
	s := newMemStore()
	exec := &fakeExecutor{err: errors.New("all strategies exhausted")}
	p := testPool(q, s, exec)

	id := enqueuePending(t, q, s, writeDoc(t, "x"))
	p.Start(context.Background())
	defer p.Drain(context.Background())

	require.Eventually(t, func() bool {
		rec, err := s.Get(context.Background(), id)
		return err == nil && rec.State == StateFailure
	}, time.Second, time.Millisecond)

	rec, _ := s.Get(context.Background(), id)
	assert.Contains(t, rec.Error, "all strategies exhausted")
	assert.Nil(t, rec.Result)
}

func TestPool_MissingFileFails(t *testing.T) {
	q := &memQueue{}
	s := newMemStore()
	exec := &fakeExecutor{result: &extract.Result{Text: "x"}}
	p := testPool(q, s, exec)

	id := enqueuePending(t, q, s, "/nonexistent/doc.txt")
	p.Start(context.Background())
	defer p.Drain(context.Background())

	require.Eventually(t, func() bool {
		rec, err := s.Get(context.Background(), id)
		return err == nil && rec.State == StateFailure
	}, time.Second, time.Millisecond)

	rec, _ := s.Get(context.Background(), id)
	assert.Contains(t, rec.Error, "read document")
	assert.Zero(t, exec.callCount(), "executor must not run without the document")
}

func TestPool_RedeliveredTerminalTaskSkipped(t *testing.T) {
	q := &memQueue{}
	s := newMemStore()
	exec := &fakeExecutor{result: &extract.Result{Text: "x"}}
	p := testPool(q, s, exec)

	path := writeDoc(t, "x")
	id := uuid.NewString()
	require.NoError(t, s.Put(context.Background(), &Record{
		ID: id, State: StateSuccess, Result: &extract.Result{Text: "done"},
	}))
	require.NoError(t, q.Enqueue(context.Background(), &Message{TaskID: id, FilePath: path, Filename: "doc.txt"}))

	p.Start(context.Background())
	defer p.Drain(context.Background())

	require.Eventually(t, func() bool {
		n, _ := q.Len(context.Background())
		return n == 0
	}, time.Second, time.Millisecond)

	// Give workers a beat to (incorrectly) start executing.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, exec.callCount())

	rec, _ := s.Get(context.Background(), id)
	assert.Equal(t, "done", rec.Result.Text, "stored result must survive redelivery")
}

func TestPool_DrainWaitsForInflight(t *testing.T) {
	q := &memQueue{}
	s := newMemStore()
	block := make(chan struct{})
	exec := &fakeExecutor{
		result:  &extract.Result{Text: "slow"},
		block:   block,
		started: make(chan string, 1),
	}
	p := testPool(q, s, exec)

	id := enqueuePending(t, q, s, writeDoc(t, "slow"))
	p.Start(context.Background())

	<-exec.started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	abandoned := p.Drain(ctx)

	assert.Empty(t, abandoned)
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, rec.State)
}

func TestPool_DrainTimeoutAbandonsTasks(t *testing.T) {
	q := &memQueue{}
	s := newMemStore()
	exec := &fakeExecutor{
		result:  &extract.Result{Text: "never"},
		block:   make(chan struct{}), // never closed
		started: make(chan string, 1),
	}
	p := testPool(q, s, exec)

	id := enqueuePending(t, q, s, writeDoc(t, "stuck"))
	p.Start(context.Background())

	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	abandoned := p.Drain(ctx)

	require.Equal(t, []string{id}, abandoned)

	// The abandoned task's record keeps its last pre-abandon state; the
	// shutdown coordinator owns discarding it.
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, rec.State)
}
