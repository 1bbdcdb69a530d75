package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// FakeEngine is a deterministic, in-process Engine used in unit tests across
// the daemon's packages, mirroring the teacher's MockNotificationRepository
// hand-written-double approach rather than a generated mock.
//
// Workflows run on their own goroutine inside StartWorkflow, returning a
// Handle immediately; activities execute inline on that goroutine. Sleep is
// a no-op. Signals sent via Handle.Signal are delivered to the matching
// ctx.Signal(name) channel inside the running workflow, so orchestration-
// style workflows that block on a stop signal are testable without a real
// Temporal test environment.
type FakeEngine struct {
	mu         sync.Mutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
	schedules  map[string]ScheduleSpec
	signals    map[string]map[string]chan any // workflowID -> signal name -> channel

	// Calls records every ExecuteActivity invocation, in order, for test
	// assertions.
	Calls []ActivityCall

	// ScheduleCalls records every Create/Update/Delete against Schedules(),
	// in order, so tests can assert on mutation counts — e.g. that a second
	// ForceReconcile against an unchanged rule table issues no Update.
	ScheduleCalls []ScheduleCall
}

// ActivityCall is one recorded activity invocation.
type ActivityCall struct {
	Name  string
	Input any
}

// ScheduleCall is one recorded ScheduleController mutation.
type ScheduleCall struct {
	Op string // "create", "update", or "delete"
	ID string
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
		schedules:  make(map[string]ScheduleSpec),
		signals:    make(map[string]map[string]chan any),
	}
}

func (e *FakeEngine) RegisterWorkflow(name string, fn WorkflowFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
	return nil
}

func (e *FakeEngine) RegisterActivity(name string, fn ActivityFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = fn
	return nil
}

func (e *FakeEngine) StartWorkflow(ctx context.Context, req StartRequest) (Handle, error) {
	e.mu.Lock()
	fn, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake engine: workflow %q is not registered", req.Workflow)
	}

	done := make(chan struct{})
	h := &fakeHandle{engine: e, workflowID: req.ID, done: done}
	go func() {
		result, err := fn(&fakeContext{ctx: ctx, engine: e, workflowID: req.ID}, req.Input)
		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
		close(done)
	}()
	return h, nil
}

func (e *FakeEngine) Schedules() ScheduleController { return &fakeSchedules{engine: e} }

func (e *FakeEngine) StartWorker(_ context.Context) error { return nil }
func (e *FakeEngine) StopWorker()                         {}
func (e *FakeEngine) Close()                              {}

// signalChan returns the channel backing a given workflow instance's named
// signal, creating it (buffered, so a Signal sent before the workflow's
// first Receive/ReceiveAsync call is never lost) on first use by either
// side.
func (e *FakeEngine) signalChan(workflowID, name string) chan any {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.signals[workflowID]
	if !ok {
		m = make(map[string]chan any)
		e.signals[workflowID] = m
	}
	ch, ok := m[name]
	if !ok {
		ch = make(chan any, 16)
		m[name] = ch
	}
	return ch
}

type fakeContext struct {
	ctx        context.Context
	engine     *FakeEngine
	workflowID string
}

func (c *fakeContext) Context() context.Context { return c.ctx }

// ExecuteActivity simulates a bounded retry loop off req.RetryPolicy.MaxAttempts
// (1 means no retries), the same knob TemporalEngine converts into a real
// temporal.RetryPolicy, so tests can assert on how many times a failing
// activity actually ran under a given policy.
func (c *fakeContext) ExecuteActivity(req ActivityRequest, result any) error {
	maxAttempts := req.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var out any
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.engine.mu.Lock()
		c.engine.Calls = append(c.engine.Calls, ActivityCall{Name: req.Name, Input: req.Input})
		fn, ok := c.engine.activities[req.Name]
		c.engine.mu.Unlock()
		if !ok {
			return fmt.Errorf("fake engine: activity %q is not registered", req.Name)
		}
		out, err = fn(c.ctx, req.Input)
		if err == nil {
			break
		}
	}
	if err != nil {
		return err
	}
	return assignResult(out, result)
}

func (c *fakeContext) Sleep(time.Duration) error { return nil }

func (c *fakeContext) Signal(name string) SignalChannel {
	return &fakeSignalChannel{ch: c.engine.signalChan(c.workflowID, name)}
}

func (c *fakeContext) Now() time.Time { return time.Now().UTC() }

type fakeSignalChannel struct {
	ch chan any
}

func (s *fakeSignalChannel) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		return assignResult(v, dest)
	}
}

func (s *fakeSignalChannel) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		_ = assignResult(v, dest)
		return true
	default:
		return false
	}
}

type fakeHandle struct {
	engine     *FakeEngine
	workflowID string
	done       chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

func (h *fakeHandle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return assignResult(h.result, result)
}

func (h *fakeHandle) Signal(_ context.Context, name string, payload any) error {
	ch := h.engine.signalChan(h.workflowID, name)
	select {
	case ch <- payload:
		return nil
	default:
		return fmt.Errorf("fake engine: signal channel %q for workflow %q is full", name, h.workflowID)
	}
}

func (h *fakeHandle) Cancel(context.Context) error { return nil }

type fakeSchedules struct {
	engine *FakeEngine
}

func (s *fakeSchedules) Create(_ context.Context, spec ScheduleSpec) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if _, exists := s.engine.schedules[spec.ID]; exists {
		return fmt.Errorf("fake engine: schedule %q already exists", spec.ID)
	}
	s.engine.schedules[spec.ID] = spec
	s.engine.ScheduleCalls = append(s.engine.ScheduleCalls, ScheduleCall{Op: "create", ID: spec.ID})
	return nil
}

func (s *fakeSchedules) Update(_ context.Context, spec ScheduleSpec) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if _, exists := s.engine.schedules[spec.ID]; !exists {
		return fmt.Errorf("fake engine: schedule %q does not exist", spec.ID)
	}
	s.engine.schedules[spec.ID] = spec
	s.engine.ScheduleCalls = append(s.engine.ScheduleCalls, ScheduleCall{Op: "update", ID: spec.ID})
	return nil
}

func (s *fakeSchedules) Delete(_ context.Context, id string) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	delete(s.engine.schedules, id)
	s.engine.ScheduleCalls = append(s.engine.ScheduleCalls, ScheduleCall{Op: "delete", ID: id})
	return nil
}

func (s *fakeSchedules) List(_ context.Context) ([]ScheduleSpec, error) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	out := make([]ScheduleSpec, 0, len(s.engine.schedules))
	for _, spec := range s.engine.schedules {
		out = append(out, spec)
	}
	return out, nil
}

// assignResult copies src into *dest via reflection, mirroring what
// Temporal's data converter does when Future.Get decodes into a typed
// pointer: dest may be *any or a pointer to the concrete result type.
func assignResult(src, dest any) error {
	if dest == nil || src == nil {
		return nil
	}
	if d, ok := dest.(*any); ok {
		*d = src
		return nil
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("fake engine: result destination must be a non-nil pointer, got %T", dest)
	}
	sv := reflect.ValueOf(src)
	if !sv.Type().AssignableTo(dv.Elem().Type()) {
		return fmt.Errorf("fake engine: cannot assign result of type %T into %T", src, dest)
	}
	dv.Elem().Set(sv)
	return nil
}
