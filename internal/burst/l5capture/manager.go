package l5capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/httputil"
	"github.com/aperture-data/burst.watch/internal/monitoring"
	"github.com/aperture-data/burst.watch/internal/timeutil"
)

// Recorder persists trigger and job state transitions. The event database
// implements it; tests use an in-memory fake.
type Recorder interface {
	// RecordTrigger stores a fired trigger.
	RecordTrigger(ev l4trigger.TriggerEvent) error
	// RecordJob upserts a job's current state.
	RecordJob(job *Job) error
}

// Backoff computes bounded exponential retry delays: Base doubling per
// attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the pause before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Ring is the staging store snapshots are taken from.
	Ring *l3ring.Ring
	// PreMarginFrames and PostMarginFrames define the implicated range
	// around the trigger frame.
	PreMarginFrames  int
	PostMarginFrames int
	// QueueCapacity bounds pending jobs; triggers beyond it are rejected
	// and counted. Zero means 4.
	QueueCapacity int
	// Workers bounds writing concurrency. Zero means 2.
	Workers int
	// RetryLimit is the sink attempt limit per job. Zero means 3.
	RetryLimit int
	// Backoff paces sink retries.
	Backoff Backoff
	// WaitPoll is the interval at which a worker re-checks the ring for
	// the post-margin frames. Zero means 2ms.
	WaitPoll time.Duration
	// Sinks receive every successful snapshot, in order; the first
	// failure after retries fails the job.
	Sinks []Sink
	// Stats receives the capture counters. Required.
	Stats *burst.PipelineStats
	// Recorder persists transitions; nil disables persistence.
	Recorder Recorder
	// Clock drives backoff sleeps and job timestamps.
	// Nil uses the real clock.
	Clock timeutil.Clock
	// NotifyURL, when set, receives a JSON POST per terminal job.
	NotifyURL string
	// HTTPClient sends notifications; nil uses the standard client.
	HTTPClient httputil.HTTPClient
}

// Manager accepts trigger events and materializes capture jobs.
type Manager struct {
	cfg   ManagerConfig
	clock timeutil.Clock
	jobs  chan *Job

	// mu guards the recent list and every Job field mutation, so monitor
	// snapshots never observe a half-written transition.
	mu     sync.Mutex
	recent []*Job // most recent first, bounded

	// onTerminal is an optional test/monitor hook invoked after a job
	// reaches a terminal state and is recorded.
	onTerminal func(*Job)
}

// recentJobsDepth bounds the in-memory job history for the monitor.
const recentJobsDepth = 64

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Ring == nil {
		return nil, errors.New("capture manager requires a ring")
	}
	if cfg.PreMarginFrames < 0 || cfg.PostMarginFrames < 0 {
		return nil, fmt.Errorf("capture margins must be non-negative, got %d/%d",
			cfg.PreMarginFrames, cfg.PostMarginFrames)
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 4
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = 3
	}
	if cfg.WaitPoll == 0 {
		cfg.WaitPoll = 2 * time.Millisecond
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff.Base = 250 * time.Millisecond
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = 5 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:   cfg,
		clock: clock,
		jobs:  make(chan *Job, cfg.QueueCapacity),
	}, nil
}

// SetTerminalHook installs a callback invoked after each job reaches a
// terminal state. Must be set before Run.
func (m *Manager) SetTerminalHook(f func(*Job)) { m.onTerminal = f }

// Submit accepts a trigger event. It never blocks: when the pending queue
// is full the trigger is rejected, counted, and recorded as a failed job.
func (m *Manager) Submit(ev l4trigger.TriggerEvent) bool {
	if m.cfg.Recorder != nil {
		if err := m.cfg.Recorder.RecordTrigger(ev); err != nil {
			monitoring.Logf("failed to record trigger at seq %d: %v", ev.Seq, err)
		}
	}

	lo := uint64(0)
	if ev.FrameSeq > uint64(m.cfg.PreMarginFrames) {
		lo = ev.FrameSeq - uint64(m.cfg.PreMarginFrames)
	}
	hi := ev.FrameSeq + uint64(m.cfg.PostMarginFrames)

	job := newJob(ev, lo, hi, m.clock.Now())
	m.remember(job)
	m.record(job)

	select {
	case m.jobs <- job:
		return true
	default:
		m.cfg.Stats.TriggersRejected.Add(1)
		m.fail(job, "capture queue full")
		return false
	}
}

// ManualCapture snapshots the most recent look-back window on operator
// request (control port or API), tagging the output with suffix. The
// returned job is a point-in-time copy; workers keep advancing the live
// job after it is queued.
func (m *Manager) ManualCapture(suffix string) (Job, error) {
	latest, ok := m.cfg.Ring.Latest()
	if !ok {
		return Job{}, errors.New("nothing published yet")
	}
	ev := l4trigger.TriggerEvent{
		Seq:      0,
		FrameSeq: latest,
		Time:     m.clock.Now(),
		Policy:   "manual",
	}
	lo := uint64(0)
	span := uint64(m.cfg.PreMarginFrames + m.cfg.PostMarginFrames)
	if latest > span {
		lo = latest - span
	}
	job := newJob(ev, lo, latest, m.clock.Now())
	job.Suffix = suffix
	m.remember(job)
	m.record(job)

	select {
	case m.jobs <- job:
		return m.snapshotJob(job), nil
	default:
		m.cfg.Stats.TriggersRejected.Add(1)
		m.fail(job, "capture queue full")
		return m.snapshotJob(job), errors.New("capture queue full")
	}
}

// snapshotJob copies a job under the mutex for handing outside the manager.
func (m *Manager) snapshotJob(job *Job) Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *job
}

// Run processes jobs until ctx is cancelled. Writing concurrency is
// bounded by the worker pool; in-flight jobs finish or fail cleanly within
// the caller's shutdown grace period.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case job := <-m.jobs:
					m.process(ctx, job)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}

// process drives one job from pending to a terminal state.
func (m *Manager) process(ctx context.Context, job *Job) {
	// Wait in sample time for the post-margin frames to be published.
	// Watching published sequences, never the wall clock.
	for {
		latest, ok := m.cfg.Ring.Latest()
		if ok && latest >= job.Hi {
			break
		}
		select {
		case <-ctx.Done():
			m.fail(job, "shutdown before snapshot")
			return
		case <-m.clock.After(m.cfg.WaitPoll):
		}
	}

	snap, err := m.cfg.Ring.SnapshotRange(job.Lo, job.Hi)
	if err != nil {
		// Eviction before snapshot: the buffer is too small or the
		// capture path too slow. Soft failure; ingestion unaffected.
		m.cfg.Stats.CapturesEvicted.Add(1)
		m.fail(job, err.Error())
		return
	}

	m.mutate(job, func() {
		job.State = JobWriting
		job.Updated = m.clock.Now()
	})
	m.record(job)

	for _, sink := range m.cfg.Sinks {
		location, err := m.writeWithRetry(ctx, sink, job, snap)
		if err != nil {
			m.fail(job, fmt.Sprintf("%s sink: %v", sink.Name(), err))
			return
		}
		m.mutate(job, func() {
			job.Sink = sink.Name()
			job.Location = location
		})
	}

	m.mutate(job, func() {
		job.State = JobDone
		job.Updated = m.clock.Now()
	})
	m.record(job)
	m.cfg.Stats.CapturesDone.Add(1)
	monitoring.Logf("capture %s done: frames [%d, %d] -> %s", job.ID, job.Lo, job.Hi, job.Location)
	m.notify(job)
	if m.onTerminal != nil {
		m.onTerminal(job)
	}
}

// writeWithRetry retries transient sink failures with bounded backoff up
// to the attempt limit.
func (m *Manager) writeWithRetry(ctx context.Context, sink Sink, job *Job, snap *l3ring.Snapshot) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.RetryLimit; attempt++ {
		m.mutate(job, func() { job.Attempts++ })
		location, err := sink.Write(ctx, job, snap)
		if err == nil {
			return location, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return "", err
		}
		monitoring.Logf("capture %s: %s sink attempt %d failed: %v", job.ID, sink.Name(), attempt, err)
		if attempt < m.cfg.RetryLimit {
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-m.clock.After(m.cfg.Backoff.Delay(attempt)):
			}
		}
	}
	return "", fmt.Errorf("retries exhausted: %w", lastErr)
}

// fail marks the job failed with a reason and records it.
func (m *Manager) fail(job *Job, reason string) {
	m.mutate(job, func() {
		job.State = JobFailed
		job.Reason = reason
		job.Updated = m.clock.Now()
	})
	m.record(job)
	m.cfg.Stats.CapturesFailed.Add(1)
	monitoring.Logf("capture %s failed: %s", job.ID, reason)
	m.notify(job)
	if m.onTerminal != nil {
		m.onTerminal(job)
	}
}

func (m *Manager) record(job *Job) {
	if m.cfg.Recorder == nil {
		return
	}
	if err := m.cfg.Recorder.RecordJob(job); err != nil {
		monitoring.Logf("failed to record capture job %s: %v", job.ID, err)
	}
}

// mutate applies one job transition under the manager mutex.
func (m *Manager) mutate(job *Job, f func()) {
	m.mu.Lock()
	f()
	m.mu.Unlock()
}

func (m *Manager) remember(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append([]*Job{job}, m.recent...)
	if len(m.recent) > recentJobsDepth {
		m.recent = m.recent[:recentJobsDepth]
	}
}

// RecentJobs returns point-in-time copies of the most recent jobs, newest
// first. Copies, not the live jobs: workers keep mutating those while the
// monitor serializes the result.
func (m *Manager) RecentJobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.recent))
	for i, job := range m.recent {
		out[i] = *job
	}
	return out
}

// notify POSTs the terminal job to the configured webhook, best effort.
// Notification never blocks the pipeline and failures are only logged.
func (m *Manager) notify(job *Job) {
	if m.cfg.NotifyURL == "" {
		return
	}
	client := m.cfg.HTTPClient
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second})
	}
	body, err := json.Marshal(job)
	if err != nil {
		monitoring.Logf("failed to encode capture notification: %v", err)
		return
	}
	go func() {
		resp, err := client.Post(m.cfg.NotifyURL, "application/json", bytes.NewReader(body))
		if err != nil {
			monitoring.Logf("capture notification failed: %v", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			monitoring.Logf("capture notification returned %d", resp.StatusCode)
		}
	}()
}
