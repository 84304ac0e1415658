package l5capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/fsutil"
	"github.com/aperture-data/burst.watch/internal/units"
)

const testPackets = 4

// buildRing publishes n frames of testPackets samples each and returns the
// ring. Frame k covers packet sequences [k*testPackets, (k+1)*testPackets).
func buildRing(t *testing.T, capacity, n int) *l3ring.Ring {
	t.Helper()
	ring, err := l3ring.NewRing(capacity)
	require.NoError(t, err)
	epoch := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	for k := 0; k < n; k++ {
		start := uint64(k * testPackets)
		frame := burst.NewFrame(start, testPackets,
			epoch.Add(time.Duration(start)*units.SampleCadence))
		for i := range frame.Power {
			frame.Power[i] = float32(k)
		}
		ring.Publish(frame)
	}
	return ring
}

func testTrigger(frameSeq uint64) l4trigger.TriggerEvent {
	return l4trigger.TriggerEvent{
		Seq:      frameSeq * testPackets,
		FrameSeq: frameSeq,
		Time:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Score:    12.5,
		Policy:   l4trigger.PolicySum,
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	triggers []l4trigger.TriggerEvent
	states   []JobState
}

func (r *fakeRecorder) RecordTrigger(ev l4trigger.TriggerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, ev)
	return nil
}

func (r *fakeRecorder) RecordJob(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, job.State)
	return nil
}

func (r *fakeRecorder) States() []JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobState(nil), r.states...)
}

// flakySink fails transiently failures times before succeeding.
type flakySink struct {
	failures int
	calls    int
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Write(_ context.Context, job *Job, _ *l3ring.Snapshot) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", Transient(errors.New("disk full"))
	}
	return "flaky://" + job.ID, nil
}

type permanentSink struct{ calls int }

func (s *permanentSink) Name() string { return "broken" }

func (s *permanentSink) Write(context.Context, *Job, *l3ring.Snapshot) (string, error) {
	s.calls++
	return "", Permanent(errors.New("bad header"))
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, 500*time.Millisecond, b.Delay(4))
	assert.Equal(t, 500*time.Millisecond, b.Delay(10))
}

func TestSinkErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.False(t, IsTransient(Permanent(errors.New("x"))))
	// Unclassified errors are retried; the attempt limit bounds them.
	assert.True(t, IsTransient(errors.New("x")))
}

func TestFilterbankSinkWrite(t *testing.T) {
	ring := buildRing(t, 8, 4)
	snap, err := ring.SnapshotRange(0, 3)
	require.NoError(t, err)

	fs := fsutil.NewMemoryFileSystem()
	sink := &FilterbankSink{Dir: "/captures", FS: fs, Source: "J0000+0000"}
	job := newJob(testTrigger(1), 0, 3, time.Now())

	location, err := sink.Write(context.Background(), job, snap)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(location, ".fil"))

	data, err := fs.ReadFile(location)
	require.NoError(t, err)
	// Header starts with the HEADER_START keyword in SIGPROC framing.
	require.Greater(t, len(data), 16)
	nameLen := binary.LittleEndian.Uint32(data[:4])
	assert.Equal(t, uint32(len("HEADER_START")), nameLen)
	assert.Equal(t, "HEADER_START", string(data[4:4+nameLen]))
	// 32-bit samples for every packet of every frame follow the header.
	samples := 4 * testPackets * units.NumChannels
	assert.Greater(t, len(data), samples*4)

	// Sidecar carries the trigger metadata.
	metaPath := strings.TrimSuffix(location, ".fil") + ".json"
	raw, err := fs.ReadFile(metaPath)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, job.ID, meta["job_id"])
	assert.Equal(t, float64(0), meta["lo_frame"])
	assert.Equal(t, float64(3), meta["hi_frame"])
	assert.Equal(t, float64(4*testPackets), meta["samples"])

	// Temp names never survive a successful write.
	for _, name := range fs.Files() {
		assert.False(t, strings.HasSuffix(name, ".tmp"), "leftover temp file %s", name)
	}
}

func TestVoltageSinkWrite(t *testing.T) {
	ring := buildRing(t, 8, 3)
	snap, err := ring.SnapshotRange(0, 2)
	require.NoError(t, err)
	snap.Frames[1].DropMask[2] = true

	fs := fsutil.NewMemoryFileSystem()
	sink := &VoltageSink{Dir: "/captures", FS: fs}
	job := newJob(testTrigger(1), 0, 2, time.Now())

	location, err := sink.Write(context.Background(), job, snap)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(location, ".vc"))

	data, err := fs.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, expectedVoltageSize(3, testPackets), len(data))
	assert.Equal(t, voltageMagic, string(data[:4]))
	assert.Equal(t, uint16(voltageVersion), binary.LittleEndian.Uint16(data[4:6]))
	assert.Equal(t, uint32(units.NumChannels), binary.LittleEndian.Uint32(data[6:10]))
	assert.Equal(t, uint32(testPackets), binary.LittleEndian.Uint32(data[10:14]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[14:18]))

	// The dropped sample shows up as an inclusive one-packet range.
	metaPath := strings.TrimSuffix(location, ".vc") + ".json"
	raw, err := fs.ReadFile(metaPath)
	require.NoError(t, err)
	var meta captureMeta
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Len(t, meta.MaskedRanges, 1)
	assert.Equal(t, uint64(testPackets+2), meta.MaskedRanges[0].Lo)
	assert.Equal(t, uint64(testPackets+2), meta.MaskedRanges[0].Hi)
}

func TestCaptureBasenameSanitizesSuffix(t *testing.T) {
	job := newJob(testTrigger(1), 0, 1, time.Now())
	job.Suffix = "../../etc/ncal run"
	base := captureBasename(job)
	assert.NotContains(t, base, "..")
	assert.NotContains(t, base, "/")
	assert.NotContains(t, base, " ")
}

func TestManagerProcessSuccess(t *testing.T) {
	ring := buildRing(t, 64, 40)
	stats := &burst.PipelineStats{}
	rec := &fakeRecorder{}
	mgr, err := NewManager(ManagerConfig{
		Ring:             ring,
		PreMarginFrames:  5,
		PostMarginFrames: 5,
		Sinks:            []Sink{DiscardSink{}},
		Stats:            stats,
		Recorder:         rec,
	})
	require.NoError(t, err)

	require.True(t, mgr.Submit(testTrigger(20)))
	job := <-mgr.jobs
	assert.Equal(t, uint64(15), job.Lo)
	assert.Equal(t, uint64(25), job.Hi)

	mgr.process(context.Background(), job)
	assert.Equal(t, JobDone, job.State)
	assert.Equal(t, "discard", job.Sink)
	assert.Equal(t, "discard://"+job.ID, job.Location)
	assert.Equal(t, int64(1), stats.CapturesDone.Load())
	assert.Equal(t, []JobState{JobPending, JobWriting, JobDone}, rec.States())
	require.Len(t, rec.triggers, 1)
	assert.Equal(t, uint64(20), rec.triggers[0].FrameSeq)
}

func TestManagerClampsPreMarginAtZero(t *testing.T) {
	ring := buildRing(t, 64, 40)
	mgr, err := NewManager(ManagerConfig{
		Ring:             ring,
		PreMarginFrames:  10,
		PostMarginFrames: 3,
		Sinks:            []Sink{DiscardSink{}},
		Stats:            &burst.PipelineStats{},
	})
	require.NoError(t, err)

	require.True(t, mgr.Submit(testTrigger(4)))
	job := <-mgr.jobs
	assert.Equal(t, uint64(0), job.Lo)
	assert.Equal(t, uint64(7), job.Hi)
}

func TestManagerFailsEvictedWindow(t *testing.T) {
	// 131 frames through a 32-slot ring: the pre-margin window of a
	// trigger at frame 100 was overwritten long before the snapshot.
	ring := buildRing(t, 32, 131)
	stats := &burst.PipelineStats{}
	mgr, err := NewManager(ManagerConfig{
		Ring:             ring,
		PreMarginFrames:  20,
		PostMarginFrames: 20,
		Sinks:            []Sink{DiscardSink{}},
		Stats:            stats,
	})
	require.NoError(t, err)

	require.True(t, mgr.Submit(testTrigger(100)))
	job := <-mgr.jobs
	mgr.process(context.Background(), job)

	assert.Equal(t, JobFailed, job.State)
	assert.Contains(t, job.Reason, "80")
	assert.Equal(t, int64(1), stats.CapturesEvicted.Load())
	assert.Equal(t, int64(1), stats.CapturesFailed.Load())
	assert.Equal(t, int64(0), stats.CapturesDone.Load())
}

func TestManagerRejectsWhenQueueFull(t *testing.T) {
	ring := buildRing(t, 64, 40)
	stats := &burst.PipelineStats{}
	mgr, err := NewManager(ManagerConfig{
		Ring:          ring,
		QueueCapacity: 1,
		Sinks:         []Sink{DiscardSink{}},
		Stats:         stats,
	})
	require.NoError(t, err)

	assert.True(t, mgr.Submit(testTrigger(10)))
	assert.False(t, mgr.Submit(testTrigger(11)))
	assert.Equal(t, int64(1), stats.TriggersRejected.Load())

	jobs := mgr.RecentJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobFailed, jobs[0].State)
	assert.Equal(t, "capture queue full", jobs[0].Reason)
	assert.Equal(t, JobPending, jobs[1].State)
}

func TestWriteWithRetryTransient(t *testing.T) {
	ring := buildRing(t, 8, 4)
	snap, err := ring.SnapshotRange(0, 3)
	require.NoError(t, err)
	sink := &flakySink{failures: 2}
	mgr, err := NewManager(ManagerConfig{
		Ring:       ring,
		RetryLimit: 3,
		Backoff:    Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		Sinks:      []Sink{sink},
		Stats:      &burst.PipelineStats{},
	})
	require.NoError(t, err)

	job := newJob(testTrigger(1), 0, 3, time.Now())
	location, err := mgr.writeWithRetry(context.Background(), sink, job, snap)
	require.NoError(t, err)
	assert.Equal(t, "flaky://"+job.ID, location)
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, 3, job.Attempts)
}

func TestWriteWithRetryExhausted(t *testing.T) {
	ring := buildRing(t, 8, 4)
	snap, err := ring.SnapshotRange(0, 3)
	require.NoError(t, err)
	sink := &flakySink{failures: 10}
	mgr, err := NewManager(ManagerConfig{
		Ring:       ring,
		RetryLimit: 3,
		Backoff:    Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		Sinks:      []Sink{sink},
		Stats:      &burst.PipelineStats{},
	})
	require.NoError(t, err)

	job := newJob(testTrigger(1), 0, 3, time.Now())
	_, err = mgr.writeWithRetry(context.Background(), sink, job, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 3, sink.calls)
}

func TestWriteWithRetryPermanentAbortsImmediately(t *testing.T) {
	ring := buildRing(t, 8, 4)
	snap, err := ring.SnapshotRange(0, 3)
	require.NoError(t, err)
	sink := &permanentSink{}
	mgr, err := NewManager(ManagerConfig{
		Ring:       ring,
		RetryLimit: 5,
		Sinks:      []Sink{sink},
		Stats:      &burst.PipelineStats{},
	})
	require.NoError(t, err)

	job := newJob(testTrigger(1), 0, 3, time.Now())
	_, err = mgr.writeWithRetry(context.Background(), sink, job, snap)
	require.Error(t, err)
	assert.Equal(t, 1, sink.calls)
}

func TestManualCapture(t *testing.T) {
	ring := buildRing(t, 64, 40)
	mgr, err := NewManager(ManagerConfig{
		Ring:             ring,
		PreMarginFrames:  8,
		PostMarginFrames: 2,
		Sinks:            []Sink{DiscardSink{}},
		Stats:            &burst.PipelineStats{},
	})
	require.NoError(t, err)

	job, err := mgr.ManualCapture("ncal")
	require.NoError(t, err)
	assert.Equal(t, "ncal", job.Suffix)
	assert.Equal(t, "manual", job.Trigger.Policy)
	assert.Equal(t, uint64(29), job.Lo)
	assert.Equal(t, uint64(39), job.Hi)

	got := <-mgr.jobs
	mgr.process(context.Background(), got)
	assert.Equal(t, JobDone, got.State)
}

func TestManualCaptureEmptyRing(t *testing.T) {
	ring, err := l3ring.NewRing(8)
	require.NoError(t, err)
	mgr, err := NewManager(ManagerConfig{
		Ring:  ring,
		Sinks: []Sink{DiscardSink{}},
		Stats: &burst.PipelineStats{},
	})
	require.NoError(t, err)
	_, err = mgr.ManualCapture("")
	require.Error(t, err)
}

func TestManagerRunProcessesSubmissions(t *testing.T) {
	ring := buildRing(t, 64, 40)
	stats := &burst.PipelineStats{}
	mgr, err := NewManager(ManagerConfig{
		Ring:             ring,
		PreMarginFrames:  2,
		PostMarginFrames: 2,
		Workers:          2,
		Sinks:            []Sink{DiscardSink{}},
		Stats:            stats,
	})
	require.NoError(t, err)

	done := make(chan *Job, 4)
	mgr.SetTerminalHook(func(j *Job) { done <- j })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.True(t, mgr.Submit(testTrigger(10)))
	require.True(t, mgr.Submit(testTrigger(20)))

	for i := 0; i < 2; i++ {
		select {
		case job := <-done:
			assert.Equal(t, JobDone, job.State)
		case <-time.After(5 * time.Second):
			t.Fatal("capture did not complete")
		}
	}
	assert.Equal(t, int64(2), stats.CapturesDone.Load())
}

func TestRecentJobsStableWhileWorkersRun(t *testing.T) {
	// The monitor serializes RecentJobs from HTTP goroutines while
	// workers advance job state; the snapshot must be copies, never the
	// live jobs, or the race detector flags the encode.
	ring := buildRing(t, 64, 40)
	mgr, err := NewManager(ManagerConfig{
		Ring:             ring,
		PreMarginFrames:  2,
		PostMarginFrames: 2,
		Workers:          2,
		QueueCapacity:    16,
		Sinks:            []Sink{DiscardSink{}},
		Stats:            &burst.PipelineStats{},
	})
	require.NoError(t, err)

	done := make(chan *Job, 8)
	mgr.SetTerminalHook(func(j *Job) { done <- j })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := json.Marshal(mgr.RecentJobs()); err != nil {
					t.Errorf("marshal recent jobs: %v", err)
					return
				}
			}
		}()
	}

	for f := uint64(10); f < 18; f++ {
		require.True(t, mgr.Submit(testTrigger(f)))
	}
	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("capture did not complete")
		}
	}
	close(stop)
	wg.Wait()

	for _, job := range mgr.RecentJobs() {
		assert.Equal(t, JobDone, job.State)
	}
}
