// Package admission implements AdmissionManager (spec.md §4.8): a
// priority queue that enforces a mutable concurrency limit while
// honoring emergency bypass and "never kill active work to shrink"
// invariants. Grounded structurally on pkg/autoscaler's worker-pool
// bookkeeping (active-count tracking, deferred limit changes), but the
// callback-style dispatch the teacher's queue consumers use is
// replaced with an explicit Future carrying terminal state, per the
// redesign spec.md calls for: timeouts and cancellation are first-class
// select branches here, not racing promises stitched together with
// .then/.catch.
package admission

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm-threaderd/internal/logging"
	"llm-threaderd/internal/model"
)

// ErrRequestTimeout and ErrRequestCanceled are surfaced through a
// Future's Wait when a request settles without ever reaching the
// caller's operation, or is preempted mid-flight.
var (
	ErrRequestTimeout  = errors.New("admission: request timed out")
	ErrRequestCanceled = errors.New("admission: request canceled")
)

// Operation is the unit of work AdmissionManager schedules. It must
// respect ctx cancellation; the manager stops waiting on timeout or
// cancellation regardless of whether the operation itself returns.
type Operation func(ctx context.Context) (any, error)

// CancelToken lets a caller request cancellation of a queued or active
// request independently of the timeout/context machinery.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken constructs an armed, uncancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel signals the token. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel closed when Cancel has been called.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// result is what an operation (or a timeout/cancellation) settles a
// Future with.
type result struct {
	value any
	err   error
}

// Future is the CompletionHandle spec.md §4.8/§6 describes: a
// single-assignment terminal-state holder a caller can block on.
type Future struct {
	done chan struct{}

	mu      sync.Mutex
	value   any
	err     error
	settled bool
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(value any, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.value, f.err, f.settled = value, err, true
	f.mu.Unlock()
	close(f.done)
}

// Done returns a channel closed once the request reaches a terminal
// state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request settles or ctx is done, whichever
// comes first. A ctx cancellation here does not cancel the underlying
// request; use a CancelToken passed to Submit for that.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitOptions carries per-request scheduling hints, per spec.md
// §4.8's submit signature. OpType and Weight are additive: the
// DecisionEngine's operation-mix context (spec.md §4.7) needs a
// caller-reported type tag and relative resource weight that the
// listed submit fields don't carry on their own, so Submit accepts
// them here rather than inventing a separate side channel.
type SubmitOptions struct {
	Priority    int
	Emergency   bool
	TimeoutMs   int64
	CancelToken *CancelToken
	OpType      string
	Weight      float64
}

type request struct {
	id           string
	op           Operation
	priority     int
	emergency    bool
	timeoutMs    int64
	cancelToken  *CancelToken
	opType       string
	weight       float64
	submittedSeq int64
	index        int // position in the heap, maintained by requestQueue.Swap

	state      model.RequestState
	startedAt  time.Time
	endedAt    time.Time
	cancelFunc context.CancelFunc

	future *Future
}

// requestQueue is a container/heap priority queue implementing
// spec.md §4.8's ordering: emergency-first, then higher priority
// first, ties by submission order.
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.emergency != b.emergency {
		return a.emergency
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.submittedSeq < b.submittedSeq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// HistoryEntry is one completed-or-terminal request summary, kept in
// the bounded ring maxHistorySize describes.
type HistoryEntry struct {
	ID        string
	Priority  int
	Emergency bool
	State     model.RequestState
	StartedAt time.Time
	EndedAt   time.Time
}

// QueueStats is admission's contribution to Controller.state().
type QueueStats struct {
	Queued                int
	Active                int
	Limit                 int
	DesiredLimit          *int
	QueuedEmergencies     int
	ActiveEmergencies     int
	EmergencyBypassActive bool
}

// StateSnapshot bundles QueueStats with recent request history.
type StateSnapshot struct {
	QueueStats
	History []HistoryEntry
}

// Config configures a Manager at construction time.
type Config struct {
	Limit           int
	MaxHistorySize  int
	OnScalingUpdate func(newLimit, oldLimit int)
}

// Manager is the AdmissionManager of spec.md §4.8.
type Manager struct {
	log *logging.Logger

	mu                    sync.Mutex
	limit                 int
	desiredLimit          *int
	active                int
	activeEmergencies     int
	queuedEmergencies     int
	emergencyBypassActive bool
	queue                 requestQueue
	seq                   int64
	history               []HistoryEntry
	maxHistorySize        int
	isDispatching         bool

	completedSinceSample    int
	latencySumMsSinceSample float64

	recentOps []opMixEntry

	onScalingUpdate func(newLimit, oldLimit int)
}

type opMixEntry struct {
	opType string
	weight float64
}

const mixWindowSize = 50

// New constructs a Manager with the given starting limit.
func New(cfg Config, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	limit := cfg.Limit
	if limit < 1 {
		limit = 1
	}
	maxHist := cfg.MaxHistorySize
	if maxHist <= 0 {
		maxHist = 100
	}
	return &Manager{
		log:             log,
		limit:           limit,
		maxHistorySize:  maxHist,
		onScalingUpdate: cfg.OnScalingUpdate,
	}
}

// Submit enqueues op and returns a Future settled when it reaches a
// terminal state.
func (m *Manager) Submit(op Operation, opts SubmitOptions) *Future {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	req := &request{
		id:           uuid.NewString(),
		op:           op,
		priority:     opts.Priority,
		emergency:    opts.Emergency,
		timeoutMs:    opts.TimeoutMs,
		cancelToken:  opts.CancelToken,
		opType:       opts.OpType,
		weight:       opts.Weight,
		submittedSeq: seq,
		state:        model.RequestQueued,
		future:       newFuture(),
	}
	if req.emergency {
		m.queuedEmergencies++
	}
	heap.Push(&m.queue, req)
	m.mu.Unlock()

	if opts.CancelToken != nil {
		go m.watchCancel(req)
	}

	m.dispatch()
	return req.future
}

func (m *Manager) watchCancel(req *request) {
	select {
	case <-req.cancelToken.Done():
		m.cancelRequest(req)
	case <-req.future.Done():
	}
}

func (m *Manager) cancelRequest(req *request) {
	m.mu.Lock()
	switch req.state {
	case model.RequestQueued:
		if req.index >= 0 && req.index < len(m.queue) {
			heap.Remove(&m.queue, req.index)
		}
		if req.emergency {
			m.queuedEmergencies--
		}
		req.state = model.RequestCanceled
		req.endedAt = time.Now()
		m.appendHistoryLocked(req)
		m.mu.Unlock()
		req.future.settle(nil, ErrRequestCanceled)
		return
	case model.RequestActive:
		cancel := req.cancelFunc
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	default:
		m.mu.Unlock()
		return
	}
}

// dispatch runs the re-entrancy-guarded admission loop of spec.md
// §4.8: while capacity allows, or an emergency bypass applies, pop and
// start the next request.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.isDispatching {
		m.mu.Unlock()
		return
	}
	m.isDispatching = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isDispatching = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		req, ok := m.popNextLocked()
		if !ok {
			m.mu.Unlock()
			return
		}
		m.startLocked(req)
		m.mu.Unlock()
	}
}

// popNextLocked implements the ordinary capacity check plus the
// temporary emergency-bypass raise (limit+1, capped at 2).
func (m *Manager) popNextLocked() (*request, bool) {
	if len(m.queue) == 0 {
		return nil, false
	}
	if m.active < m.limit {
		req := heap.Pop(&m.queue).(*request)
		if req.emergency {
			m.queuedEmergencies--
		}
		return req, true
	}
	if m.queue[0].emergency {
		tempLimit := m.limit + 1
		if tempLimit > 2 {
			tempLimit = 2
		}
		if tempLimit > m.active {
			req := heap.Pop(&m.queue).(*request)
			m.queuedEmergencies--
			m.emergencyBypassActive = true
			return req, true
		}
	}
	return nil, false
}

func (m *Manager) startLocked(req *request) {
	req.state = model.RequestActive
	req.startedAt = time.Now()
	m.active++
	if req.emergency {
		m.activeEmergencies++
	}
	if req.opType != "" {
		m.recentOps = append(m.recentOps, opMixEntry{opType: req.opType, weight: req.weight})
		if over := len(m.recentOps) - mixWindowSize; over > 0 {
			m.recentOps = m.recentOps[over:]
		}
	}
	go m.run(req)
}

// run executes one request's operation with timeout and cancellation
// racing against completion, the first to settle wins, per spec.md
// §4.8's request lifecycle.
func (m *Manager) run(req *request) {
	ctx, cancel := context.WithCancel(context.Background())
	var timeoutCancel context.CancelFunc
	if req.timeoutMs > 0 {
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(req.timeoutMs)*time.Millisecond)
	}

	m.mu.Lock()
	req.cancelFunc = cancel
	m.mu.Unlock()

	defer cancel()
	if timeoutCancel != nil {
		defer timeoutCancel()
	}

	resultCh := make(chan result, 1)
	go func() {
		v, err := req.op(ctx)
		resultCh <- result{v, err}
	}()

	var res result
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		res = result{nil, classifyContextErr(ctx.Err())}
	}

	m.terminal(req, res)
}

func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return ErrRequestCanceled
}

// terminal implements spec.md §4.8's terminal-state bookkeeping:
// active-count decrement, emergency-bypass clearing, deferred
// downscale application, and dispatch of the next request.
func (m *Manager) terminal(req *request, res result) {
	m.mu.Lock()
	m.active--
	if m.active < 0 {
		m.active = 0
	}
	if req.emergency {
		m.activeEmergencies--
		if m.activeEmergencies < 0 {
			m.activeEmergencies = 0
		}
		if m.activeEmergencies == 0 {
			m.emergencyBypassActive = false
		}
	}
	req.endedAt = time.Now()
	switch {
	case res.err == nil:
		req.state = model.RequestCompleted
		m.completedSinceSample++
		m.latencySumMsSinceSample += float64(req.endedAt.Sub(req.startedAt).Milliseconds())
	case errors.Is(res.err, ErrRequestCanceled):
		req.state = model.RequestCanceled
	default:
		req.state = model.RequestFailed
	}
	m.appendHistoryLocked(req)

	var scalingCallback func()
	if m.desiredLimit != nil && m.active <= *m.desiredLimit {
		old := m.limit
		m.limit = *m.desiredLimit
		m.desiredLimit = nil
		if m.limit != old && m.onScalingUpdate != nil {
			cb, newLimit, oldLimit := m.onScalingUpdate, m.limit, old
			scalingCallback = func() { cb(newLimit, oldLimit) }
		}
	}
	m.mu.Unlock()

	req.future.settle(res.value, res.err)
	if scalingCallback != nil {
		scalingCallback()
	}
	m.dispatch()
}

func (m *Manager) appendHistoryLocked(req *request) {
	m.history = append(m.history, HistoryEntry{
		ID: req.id, Priority: req.priority, Emergency: req.emergency,
		State: req.state, StartedAt: req.startedAt, EndedAt: req.endedAt,
	})
	if over := len(m.history) - m.maxHistorySize; over > 0 {
		m.history = m.history[over:]
	}
}

// UpdateLimit implements spec.md §4.8's updateLimit: sanitize, honor
// the emergency-bypass floor, and either apply immediately or defer a
// downscale until active work drains.
func (m *Manager) UpdateLimit(n int) {
	if n < 1 {
		m.log.Warnf("admission: invalid limit %d, clamping to 1", n)
		n = 1
	}

	m.mu.Lock()
	old := m.limit
	if m.emergencyBypassActive {
		floor := m.queuedEmergencies + m.activeEmergencies
		if floor > 2 {
			floor = 2
		}
		if floor < 1 {
			floor = 1
		}
		if n < floor {
			n = floor
		}
	}

	if n < m.active {
		d := n
		m.desiredLimit = &d
		m.limit = m.active
	} else {
		m.desiredLimit = nil
		m.limit = n
	}
	changed := m.limit != old
	newLimit := m.limit
	cb := m.onScalingUpdate
	m.mu.Unlock()

	if changed && cb != nil {
		cb(newLimit, old)
	}
	if newLimit > old {
		m.dispatch()
	}
}

// QueueStats returns the current admission snapshot.
func (m *Manager) QueueStats() QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() QueueStats {
	var desired *int
	if m.desiredLimit != nil {
		d := *m.desiredLimit
		desired = &d
	}
	return QueueStats{
		Queued:                len(m.queue),
		Active:                m.active,
		Limit:                 m.limit,
		DesiredLimit:          desired,
		QueuedEmergencies:     m.queuedEmergencies,
		ActiveEmergencies:     m.activeEmergencies,
		EmergencyBypassActive: m.emergencyBypassActive,
	}
}

// State returns QueueStats plus recent request history.
func (m *Manager) State() StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := make([]HistoryEntry, len(m.history))
	copy(hist, m.history)
	return StateSnapshot{QueueStats: m.statsLocked(), History: hist}
}

// SampleThroughput drains the completions observed since the last
// call and reports them as a throughput/avg-latency pair over
// intervalSec, or nil, nil if nothing completed in that window — per
// spec.md's absent-vs-zero telemetry convention, a quiet tick reports
// "unknown" rather than a throughput of 0.
func (m *Manager) SampleThroughput(intervalSec float64) (throughput, avgLatencyMs *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completedSinceSample == 0 {
		return nil, nil
	}
	if intervalSec <= 0 {
		intervalSec = 1
	}
	t := float64(m.completedSinceSample) / intervalSec
	avg := m.latencySumMsSinceSample / float64(m.completedSinceSample)
	m.completedSinceSample = 0
	m.latencySumMsSinceSample = 0
	return &t, &avg
}

// MixSnapshot reports the operation-mix context the DecisionEngine's
// intensity-adjusted ceiling needs: the relative weight of each
// reported op type over the recent window, the mean weight as
// currentIntensity, and how many tagged operations contributed.
func (m *Manager) MixSnapshot() (mix model.OperationMix, currentIntensity float64, totalOperations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recentOps) == 0 {
		return nil, 0, 0
	}
	mix = make(model.OperationMix)
	var sumWeight float64
	for _, e := range m.recentOps {
		mix[e.opType] += e.weight
		sumWeight += e.weight
	}
	return mix, sumWeight / float64(len(m.recentOps)), len(m.recentOps)
}
