package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
	"github.com/aperture-data/burst.watch/internal/units"
)

// ErrNotFound reports a lookup of an id that was never recorded.
var ErrNotFound = errors.New("not found")

// TriggerRow is a persisted trigger event.
type TriggerRow struct {
	ID       int64     `json:"id"`
	Seq      uint64    `json:"seq"`
	FrameSeq uint64    `json:"frame_seq"`
	FiredAt  time.Time `json:"fired_at"`
	MJD      float64   `json:"mjd"`
	Score    float64   `json:"score"`
	Policy   string    `json:"policy"`
}

// CaptureRow is a persisted capture job, mirroring l5capture.Job.
type CaptureRow struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	TriggerSeq  uint64    `json:"trigger_seq"`
	TriggerTime time.Time `json:"trigger_time"`
	Score       float64   `json:"score"`
	Policy      string    `json:"policy"`
	LoFrame     uint64    `json:"lo_frame"`
	HiFrame     uint64    `json:"hi_frame"`
	Suffix      string    `json:"suffix,omitempty"`
	Sink        string    `json:"sink,omitempty"`
	Location    string    `json:"location,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// InjectionRow is a persisted pulse injection.
type InjectionRow struct {
	ID         int64     `json:"id"`
	InjectedAt time.Time `json:"injected_at"`
	PulseFile  string    `json:"pulse_file"`
	StartSeq   uint64    `json:"start_seq"`
}

// RecordTrigger stores a fired trigger. Implements l5capture.Recorder.
func (db *DB) RecordTrigger(ev l4trigger.TriggerEvent) error {
	_, err := db.Exec(`
		INSERT INTO triggers (seq, frame_seq, fired_at, mjd, score, policy)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(ev.Seq), int64(ev.FrameSeq), ev.Time.UTC(), units.TimeToMJD(ev.Time),
		ev.Score, ev.Policy)
	if err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}
	return nil
}

// RecordJob upserts a capture job's current state. Implements
// l5capture.Recorder; called once per state transition.
func (db *DB) RecordJob(job *l5capture.Job) error {
	_, err := db.Exec(`
		INSERT INTO captures
			(id, state, trigger_seq, trigger_time, score, policy,
			 lo_frame, hi_frame, suffix, sink, location, reason, attempts,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			sink = excluded.sink,
			location = excluded.location,
			reason = excluded.reason,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		job.ID, string(job.State), int64(job.Trigger.Seq), job.Trigger.Time.UTC(),
		job.Trigger.Score, job.Trigger.Policy, int64(job.Lo), int64(job.Hi),
		job.Suffix, job.Sink, job.Location, job.Reason, job.Attempts,
		job.Created.UTC(), job.Updated.UTC())
	if err != nil {
		return fmt.Errorf("record capture job %s: %w", job.ID, err)
	}
	return nil
}

// RecordInjection stores a pulse injection. Implements inject.Recorder.
func (db *DB) RecordInjection(t time.Time, file string, startSeq uint64) error {
	_, err := db.Exec(`
		INSERT INTO injections (injected_at, pulse_file, start_seq)
		VALUES (?, ?, ?)`,
		t.UTC(), file, int64(startSeq))
	if err != nil {
		return fmt.Errorf("record injection: %w", err)
	}
	return nil
}

// ListTriggers returns the most recent triggers, newest first.
func (db *DB) ListTriggers(limit int) ([]TriggerRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, seq, frame_seq, fired_at, mjd, score, policy
		FROM triggers ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []TriggerRow
	for rows.Next() {
		var t TriggerRow
		var seq, frameSeq int64
		if err := rows.Scan(&t.ID, &seq, &frameSeq, &t.FiredAt, &t.MJD, &t.Score, &t.Policy); err != nil {
			return nil, err
		}
		t.Seq = uint64(seq)
		t.FrameSeq = uint64(frameSeq)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCaptures returns the most recent capture jobs, newest first. A
// non-empty state filters to that job state.
func (db *DB) ListCaptures(limit int, state string) ([]CaptureRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, state, trigger_seq, trigger_time, score, policy,
		       lo_frame, hi_frame, suffix, sink, location, reason, attempts,
		       created_at, updated_at
		FROM captures`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()

	var out []CaptureRow
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCapture looks a capture job up by id.
func (db *DB) GetCapture(id string) (CaptureRow, error) {
	rows, err := db.Query(`
		SELECT id, state, trigger_seq, trigger_time, score, policy,
		       lo_frame, hi_frame, suffix, sink, location, reason, attempts,
		       created_at, updated_at
		FROM captures WHERE id = ?`, id)
	if err != nil {
		return CaptureRow{}, fmt.Errorf("get capture %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return CaptureRow{}, err
		}
		return CaptureRow{}, ErrNotFound
	}
	return scanCapture(rows)
}

// ListInjections returns the most recent injections, newest first.
func (db *DB) ListInjections(limit int) ([]InjectionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, injected_at, pulse_file, start_seq
		FROM injections ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list injections: %w", err)
	}
	defer rows.Close()

	var out []InjectionRow
	for rows.Next() {
		var in InjectionRow
		var seq int64
		if err := rows.Scan(&in.ID, &in.InjectedAt, &in.PulseFile, &seq); err != nil {
			return nil, err
		}
		in.StartSeq = uint64(seq)
		out = append(out, in)
	}
	return out, rows.Err()
}

// CaptureCounts returns the number of capture jobs per state.
func (db *DB) CaptureCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT state, COUNT(*) FROM captures GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("capture counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func scanCapture(rows *sql.Rows) (CaptureRow, error) {
	var c CaptureRow
	var trigSeq, lo, hi int64
	var suffix, sink, location, reason sql.NullString
	if err := rows.Scan(&c.ID, &c.State, &trigSeq, &c.TriggerTime, &c.Score, &c.Policy,
		&lo, &hi, &suffix, &sink, &location, &reason, &c.Attempts,
		&c.Created, &c.Updated); err != nil {
		return CaptureRow{}, err
	}
	c.TriggerSeq = uint64(trigSeq)
	c.LoFrame = uint64(lo)
	c.HiFrame = uint64(hi)
	c.Suffix = suffix.String
	c.Sink = sink.String
	c.Location = location.String
	c.Reason = reason.String
	return c, nil
}
