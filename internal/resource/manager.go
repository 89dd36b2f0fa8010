package resource

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "agentsched/pkg/logx"
)

// ErrQueueFull means both the concurrency ceiling and the overflow queue
// are exhausted. It is surfaced synchronously to the submitter and is the
// caller's cue to back off; nothing is silently dropped.
var ErrQueueFull = errors.New("resource manager: overflow queue full")

// Config controls admission.
//
// All zero values fall back to the defaults below.
type Config struct {
	// MaxConcurrentAgents is the hard ceiling on in-flight slots. Default 50.
	MaxConcurrentAgents int

	// AgentMemoryLimitMB is the advisory per-process memory limit checked by
	// CheckMemory. Default 512.
	AgentMemoryLimitMB int

	// OverflowQueueCapacity bounds the FIFO of waiting admission requests.
	// Default 200.
	OverflowQueueCapacity int

	// EnqueueWait bounds how long Acquire waits for overflow-queue space
	// when the queue itself is full. Default 5s.
	EnqueueWait time.Duration

	// SampleInterval is the health sampler period. Default 500ms.
	SampleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 50
	}
	if c.AgentMemoryLimitMB <= 0 {
		c.AgentMemoryLimitMB = 512
	}
	if c.OverflowQueueCapacity <= 0 {
		c.OverflowQueueCapacity = 200
	}
	if c.EnqueueWait <= 0 {
		c.EnqueueWait = 5 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 500 * time.Millisecond
	}
	return c
}

// HealthStatus classifies system load.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// Health is the monitoring view returned by Health().
type Health struct {
	ActiveCount int          `json:"active_count"`
	QueuedCount int          `json:"queued_count"`
	CPUPercent  float64      `json:"cpu_percent"`
	MemPercent  float64      `json:"mem_percent"`
	Status      HealthStatus `json:"status"`
}

// Stats are rolling admission counters.
type Stats struct {
	TotalCreated    uint64 `json:"total_created"`
	Rejected        uint64 `json:"rejected"`
	MemoryLimitHits uint64 `json:"memory_limit_hits"`
	QueueOverflows  uint64 `json:"queue_overflows"`
}

type slot struct {
	startedAt time.Time
	lastMemMB float64
}

// Manager is the sole admission-control point: it bounds how many slots
// may be in flight, queues overflow, and tracks memory/CPU health.
//
// All mutation of the active set and the overflow queue happens under one
// mutex; Health() reads a sampler snapshot without taking that lock, so a
// few hundred milliseconds of staleness is expected and fine.
type Manager struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	active map[string]*slot
	queue  chan string

	// grants carries ids promoted out of the overflow queue on Release.
	// The channel is sized so that sends never block: an id can only be
	// promoted after having been queued.
	grants chan string

	sample atomic.Pointer[Sample]

	totalCreated    atomic.Uint64
	rejected        atomic.Uint64
	memoryLimitHits atomic.Uint64
	queueOverflows  atomic.Uint64
}

func NewManager(cfg Config, log logx.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:    cfg,
		log:    log,
		active: make(map[string]*slot),
		queue:  make(chan string, cfg.OverflowQueueCapacity),
		grants: make(chan string, cfg.OverflowQueueCapacity),
	}
	m.sample.Store(&Sample{})
	return m
}

// Acquire requests a concurrency slot for id.
//
// Returns (true, nil) when the slot is granted immediately. Returns
// (false, nil) when id was parked on the overflow queue; the caller must
// wait for the id to arrive on Grants() before starting work. Returns
// ErrQueueFull when the queue is full and stays full for the bounded
// enqueue wait.
func (m *Manager) Acquire(id string) (bool, error) {
	m.mu.Lock()
	if len(m.active) < m.cfg.MaxConcurrentAgents {
		m.register(id)
		m.mu.Unlock()
		return true, nil
	}
	wait := m.cfg.EnqueueWait

	// At capacity: park on the overflow queue. The park happens under mu
	// so a concurrent Release either frees the slot before the ceiling
	// check above or observes the parked id; it cannot slip between the
	// check and the enqueue and leave the id stranded.
	select {
	case m.queue <- id:
		m.mu.Unlock()
		m.queueOverflows.Add(1)
		return false, nil
	default:
	}
	m.mu.Unlock()

	// Queue momentarily full: wait a bounded time for space. The send can
	// complete after the last Release already ran, so promote afterwards
	// in case nobody else will.
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case m.queue <- id:
		m.queueOverflows.Add(1)
		m.promote()
		return false, nil
	case <-timer.C:
		m.rejected.Add(1)
		return false, ErrQueueFull
	}
}

// Release frees id's slot and promotes parked ids into whatever capacity
// is now available. Promoted ids are delivered on Grants().
func (m *Manager) Release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
	m.promote()
}

// promote moves queued ids into free slots, in FIFO order, until the
// ceiling is reached or the queue is empty.
func (m *Manager) promote() {
	for {
		m.mu.Lock()
		if len(m.active) >= m.cfg.MaxConcurrentAgents {
			m.mu.Unlock()
			return
		}
		var next string
		select {
		case next = <-m.queue:
			m.register(next)
		default:
		}
		m.mu.Unlock()
		if next == "" {
			return
		}
		// Never blocks: grants capacity matches queue capacity.
		m.grants <- next
	}
}

// register adds id to the active set. Caller holds m.mu.
func (m *Manager) register(id string) {
	m.active[id] = &slot{startedAt: time.Now()}
	m.totalCreated.Add(1)
}

// Grants delivers ids promoted out of the overflow queue.
func (m *Manager) Grants() <-chan string { return m.grants }

// Apply updates the tunables that take effect without rebuilding the
// overflow queue: the concurrency ceiling, the memory limit and the
// enqueue wait. Future admissions and releases observe the new ceiling;
// already-active work is never preempted. Queue capacity and the sample
// interval require a restart.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg.MaxConcurrentAgents = cfg.MaxConcurrentAgents
	m.cfg.AgentMemoryLimitMB = cfg.AgentMemoryLimitMB
	m.cfg.EnqueueWait = cfg.EnqueueWait
	m.mu.Unlock()
}

// Rebind transfers an active slot from oldID to newID, keeping the slot's
// start time. Callers use it when the holder of a granted slot changes,
// e.g. a delegated task handing its slot to its successor.
func (m *Manager) Rebind(oldID, newID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[oldID]
	if !ok {
		return false
	}
	delete(m.active, oldID)
	m.active[newID] = s
	return true
}

// CheckMemory records current process memory against id and reports
// whether usage is within the configured limit.
//
// This is advisory: the manager increments a counter and returns false,
// but terminating or degrading the work is the caller's responsibility.
func (m *Manager) CheckMemory(id string) bool {
	rssMB := m.sample.Load().ProcRSSMB

	m.mu.Lock()
	if s, ok := m.active[id]; ok {
		s.lastMemMB = rssMB
	}
	limitMB := m.cfg.AgentMemoryLimitMB
	m.mu.Unlock()

	if rssMB > float64(limitMB) {
		m.memoryLimitHits.Add(1)
		return false
	}
	return true
}

// ActiveCount returns the number of in-flight slots.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// QueuedCount returns the number of ids parked on the overflow queue.
func (m *Manager) QueuedCount() int { return len(m.queue) }

// Health classifies current system load from the latest sampler snapshot.
func (m *Manager) Health() Health {
	s := m.sample.Load()

	h := Health{
		ActiveCount: m.ActiveCount(),
		QueuedCount: m.QueuedCount(),
		CPUPercent:  s.CPUPercent,
		MemPercent:  s.MemPercent,
	}
	switch {
	case h.CPUPercent > 90 || h.MemPercent > 90:
		h.Status = StatusCritical
	case h.CPUPercent > 70 || h.MemPercent > 70:
		h.Status = StatusWarning
	default:
		h.Status = StatusHealthy
	}
	return h
}

// StatsNow returns the rolling counters.
func (m *Manager) StatsNow() Stats {
	return Stats{
		TotalCreated:    m.totalCreated.Load(),
		Rejected:        m.rejected.Load(),
		MemoryLimitHits: m.memoryLimitHits.Load(),
		QueueOverflows:  m.queueOverflows.Load(),
	}
}

// setSample installs a sampler snapshot. Called by the sampler loop and
// by tests to inject load values.
func (m *Manager) setSample(s Sample) {
	cp := s
	m.sample.Store(&cp)
}
