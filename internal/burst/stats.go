package burst

import (
	"sync/atomic"
	"time"

	"github.com/aperture-data/burst.watch/internal/monitoring"
)

// PipelineStats tracks the operational counters of every pipeline stage.
// All counters are atomic: the socket loop and the assembler bump them from
// the real-time path and must never contend on a lock.
type PipelineStats struct {
	PacketsReceived atomic.Int64
	BytesReceived   atomic.Int64
	Malformed       atomic.Int64
	QueueDropped    atomic.Int64 // receiver queue full, packet dropped
	LateDropped     atomic.Int64 // packet older than the reorder window
	GapsFilled      atomic.Int64 // samples masked with the sentinel fill

	FramesPublished atomic.Int64
	FramesDropped   atomic.Int64 // frame callback queue full

	TriggersFired    atomic.Int64
	TriggersRejected atomic.Int64 // capture queue full

	CapturesDone    atomic.Int64
	CapturesFailed  atomic.Int64
	CapturesEvicted atomic.Int64 // failed specifically on ring eviction

	lastLog   atomic.Int64 // unix nanos of the previous LogStats
	lastPkts  atomic.Int64
	lastBytes atomic.Int64
}

// NewPipelineStats creates a zeroed counter set.
func NewPipelineStats() *PipelineStats {
	s := &PipelineStats{}
	s.lastLog.Store(time.Now().UnixNano())
	return s
}

// StatsSnapshot is a point-in-time copy of the counters, serialized by the
// monitor's /api/stats endpoint.
type StatsSnapshot struct {
	PacketsReceived  int64 `json:"packets_received"`
	BytesReceived    int64 `json:"bytes_received"`
	Malformed        int64 `json:"malformed"`
	QueueDropped     int64 `json:"queue_dropped"`
	LateDropped      int64 `json:"late_dropped"`
	GapsFilled       int64 `json:"gaps_filled"`
	FramesPublished  int64 `json:"frames_published"`
	FramesDropped    int64 `json:"frames_dropped"`
	TriggersFired    int64 `json:"triggers_fired"`
	TriggersRejected int64 `json:"triggers_rejected"`
	CapturesDone     int64 `json:"captures_done"`
	CapturesFailed   int64 `json:"captures_failed"`
	CapturesEvicted  int64 `json:"captures_evicted"`
}

// Snapshot returns a copy of the current counter values.
func (s *PipelineStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsReceived:  s.PacketsReceived.Load(),
		BytesReceived:    s.BytesReceived.Load(),
		Malformed:        s.Malformed.Load(),
		QueueDropped:     s.QueueDropped.Load(),
		LateDropped:      s.LateDropped.Load(),
		GapsFilled:       s.GapsFilled.Load(),
		FramesPublished:  s.FramesPublished.Load(),
		FramesDropped:    s.FramesDropped.Load(),
		TriggersFired:    s.TriggersFired.Load(),
		TriggersRejected: s.TriggersRejected.Load(),
		CapturesDone:     s.CapturesDone.Load(),
		CapturesFailed:   s.CapturesFailed.Load(),
		CapturesEvicted:  s.CapturesEvicted.Load(),
	}
}

// LogStats logs the ingest rate since the previous call plus any loss
// counters. Quiet intervals (no packets, no drops) log nothing.
func (s *PipelineStats) LogStats() {
	now := time.Now().UnixNano()
	prev := s.lastLog.Swap(now)
	elapsed := time.Duration(now - prev).Seconds()
	if elapsed <= 0 {
		return
	}

	pkts := s.PacketsReceived.Load()
	bytes := s.BytesReceived.Load()
	dPkts := pkts - s.lastPkts.Swap(pkts)
	dBytes := bytes - s.lastBytes.Swap(bytes)

	dropped := s.QueueDropped.Load() + s.LateDropped.Load() + s.FramesDropped.Load()
	if dPkts == 0 && dropped == 0 {
		return
	}

	monitoring.Logf("Ingest stats (/sec): %.2f MB, %.1f packets; frames=%d triggers=%d dropped=%d",
		float64(dBytes)/elapsed/(1024*1024), float64(dPkts)/elapsed,
		s.FramesPublished.Load(), s.TriggersFired.Load(), dropped)
}
