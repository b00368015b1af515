package debrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"subaru/pkg/bus"
)

// State is a download job's position in its lifecycle. Transitions are
// monotonic: submitted -> in_progress -> {ready|failed|expired}, and a
// terminal state never changes again.
type State string

const (
	StateSubmitted  State = "submitted"
	StateInProgress State = "in_progress"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateExpired    State = "expired"
)

// Terminal reports whether no further transition may occur.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateExpired
}

// Job tracks one submitted torrent until its terminal notification is
// delivered.
type Job struct {
	ID          string    `json:"id"`
	TorrentID   string    `json:"torrent_id"`
	OwnerID     string    `json:"owner_id"`
	RoomID      string    `json:"room_id"`
	Channel     string    `json:"channel"`
	APIKey      string    `json:"api_key"`
	Filename    string    `json:"filename"`
	State       State     `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	LastPolled  time.Time `json:"last_polled,omitempty"`
	Links       []string  `json:"links,omitempty"`
	Notified    bool      `json:"notified"`
}

// SubmitResult reports a submission back to the command layer.
type SubmitResult struct {
	Job                  Job
	Hash                 string
	NeedsManualSelection bool
}

// Options tunes the tracker.
type Options struct {
	PollInterval time.Duration
	MaxAge       time.Duration
	StatePath    string
}

// Tracker is the timer-driven state machine over active jobs. The external
// service has no push notifications, so each active job is polled once per
// interval, each in its own goroutine.
type Tracker struct {
	api    API
	opts   Options
	submit bus.SubmitFunc
	log    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewTracker(api API, opts Options, submit bus.SubmitFunc, log *slog.Logger) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 72 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}

	return &Tracker{
		api:    api,
		opts:   opts,
		submit: submit,
		log:    log.With("component", "debrid.tracker"),
		jobs:   make(map[string]*Job),
	}
}

// Load restores persisted jobs. Terminal jobs whose notification never
// confirmed are re-emitted (at-least-once; duplicates beat silence).
func (t *Tracker) Load(ctx context.Context) error {
	if strings.TrimSpace(t.opts.StatePath) == "" {
		return nil
	}

	content, err := os.ReadFile(t.opts.StatePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read tracker state: %w", err)
	}

	var persisted map[string]*Job
	if err := json.Unmarshal(content, &persisted); err != nil {
		return fmt.Errorf("parse tracker state: %w", err)
	}

	t.mu.Lock()
	t.jobs = persisted
	if t.jobs == nil {
		t.jobs = make(map[string]*Job)
	}
	pending := make([]*Job, 0)
	for _, job := range t.jobs {
		if job.State.Terminal() && !job.Notified {
			pending = append(pending, job)
		}
	}
	t.mu.Unlock()

	t.log.Info("Loaded download jobs", "count", len(persisted), "pending_notifications", len(pending))

	for _, job := range pending {
		t.emit(ctx, job)
	}
	return nil
}

// Submit adds a magnet for the user, waits out magnet conversion, starts
// the download, and registers the job for polling.
func (t *Tracker) Submit(ctx context.Context, ownerID, roomID, channel, apiKey, magnet string) (SubmitResult, error) {
	created, err := t.api.AddMagnet(ctx, apiKey, magnet)
	if err != nil {
		return SubmitResult{}, err
	}

	// Magnet conversion takes a few seconds; poll briefly before deciding
	// whether files need selecting.
	var info Torrent
	needsManual := false
	for attempt := 0; attempt < 10; attempt++ {
		select {
		case <-ctx.Done():
			return SubmitResult{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}

		info, err = t.api.TorrentInfo(ctx, apiKey, created.ID)
		if err != nil {
			t.log.Warn("Torrent info not ready yet", "torrent_id", created.ID, "attempt", attempt+1, "error", err)
			continue
		}
		if info.Status != "magnet_conversion" {
			break
		}
	}

	switch {
	case info.Status == "waiting_files_selection" && len(info.Files) > 0:
		ids := make([]string, 0, len(info.Files))
		for _, file := range info.Files {
			ids = append(ids, strconv.Itoa(file.ID))
		}
		if err := t.api.SelectFiles(ctx, apiKey, created.ID, strings.Join(ids, ",")); err != nil {
			t.log.Warn("Auto-select failed", "torrent_id", created.ID, "error", err)
			needsManual = true
		}
	case info.Status == "downloading" || info.Status == "downloaded":
		// Started on its own.
	case info.ID == "":
		needsManual = true
	}

	job := &Job{
		ID:          uuid.NewString(),
		TorrentID:   created.ID,
		OwnerID:     ownerID,
		RoomID:      roomID,
		Channel:     channel,
		APIKey:      apiKey,
		Filename:    info.Filename,
		State:       StateSubmitted,
		SubmittedAt: time.Now().UTC(),
	}
	t.applyStatus(job, info.Status)

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()
	t.persist()

	t.log.Info("Registered download job", "job_id", job.ID, "torrent_id", job.TorrentID, "owner", ownerID)
	return SubmitResult{Job: *job, Hash: info.Hash, NeedsManualSelection: needsManual}, nil
}

// Run polls all active jobs once per interval until the context ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	t.log.Info("Download tracker started", "interval", t.opts.PollInterval, "max_age", t.opts.MaxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

// Delivered confirms a terminal notification reached its destination; the
// job leaves the tracking set.
func (t *Tracker) Delivered(jobID string) {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if ok {
		job.Notified = true
		delete(t.jobs, jobID)
	}
	t.mu.Unlock()

	if ok {
		t.persist()
		t.log.Info("Download notification confirmed", "job_id", jobID)
	}
}

// Active reports the number of tracked jobs.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Job returns a copy of a tracked job.
func (t *Tracker) Job(jobID string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[jobID]; ok {
		return *job, true
	}
	return Job{}, false
}

func (t *Tracker) pollOnce(ctx context.Context) {
	t.mu.Lock()
	active := make([]*Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		if !job.State.Terminal() {
			active = append(active, job)
		}
	}
	t.mu.Unlock()

	if len(active) == 0 {
		return
	}

	cycle := uuid.NewString()[:8]
	var wg sync.WaitGroup
	for _, job := range active {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			t.pollJob(ctx, cycle, job)
		}(job)
	}
	wg.Wait()
	t.persist()
}

func (t *Tracker) pollJob(ctx context.Context, cycle string, job *Job) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	info, err := t.api.TorrentInfo(ctx, job.APIKey, job.TorrentID)

	t.mu.Lock()
	job.LastPolled = time.Now().UTC()

	var changed *Job
	switch {
	case err == nil:
		if info.Filename != "" {
			job.Filename = info.Filename
		}
		if len(info.Links) > 0 {
			job.Links = info.Links
		}
		if t.applyStatus(job, info.Status) {
			changed = job
		}
	case errors.Is(err, ErrTorrentNotFound) || errors.Is(err, ErrUnauthorized):
		// Explicit service answer: the job is gone for good.
		if t.transition(job, StateFailed) {
			changed = job
		}
	default:
		// Transient failure: no information this cycle, retry next interval.
		t.log.Warn("Poll failed", "cycle", cycle, "job_id", job.ID, "error", err)
	}

	if changed == nil && !job.State.Terminal() && time.Since(job.SubmittedAt) > t.opts.MaxAge {
		if t.transition(job, StateExpired) {
			changed = job
		}
	}

	var notify *Job
	if changed != nil && changed.State.Terminal() {
		copied := *changed
		notify = &copied
	}
	t.mu.Unlock()

	if notify != nil {
		t.emit(ctx, notify)
	}
}

// applyStatus maps a service status string onto the job state machine.
// Returns true when the state changed. Caller holds the lock.
func (t *Tracker) applyStatus(job *Job, status string) bool {
	switch status {
	case "queued", "magnet_conversion", "waiting_files_selection":
		return t.transition(job, StateSubmitted)
	case "downloading", "compressing", "uploading":
		return t.transition(job, StateInProgress)
	case "downloaded":
		return t.transition(job, StateReady)
	case "error", "virus", "dead", "magnet_error":
		return t.transition(job, StateFailed)
	default:
		return false
	}
}

// transition enforces monotonicity: no leaving a terminal state, no moving
// backwards from in_progress to submitted.
func (t *Tracker) transition(job *Job, next State) bool {
	if job.State == next {
		return false
	}
	if job.State.Terminal() {
		return false
	}
	if job.State == StateInProgress && next == StateSubmitted {
		return false
	}

	t.log.Info("Job state change", "job_id", job.ID, "from", job.State, "to", next)
	job.State = next
	return true
}

func (t *Tracker) emit(ctx context.Context, job *Job) {
	if t.submit == nil {
		return
	}

	notice := &bus.JobNotice{
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		RoomID:   job.RoomID,
		Filename: job.Filename,
		State:    string(job.State),
		Links:    append([]string(nil), job.Links...),
	}

	ok := t.submit(ctx, bus.InboundEvent{
		Type:    bus.EventJobStatus,
		Channel: job.Channel,
		RoomID:  job.RoomID,
		Job:     notice,
	})
	if !ok {
		t.log.Warn("Dispatcher rejected job notification", "job_id", job.ID)
	}
}

func (t *Tracker) persist() {
	if strings.TrimSpace(t.opts.StatePath) == "" {
		return
	}

	t.mu.Lock()
	snapshot := make(map[string]Job, len(t.jobs))
	for id, job := range t.jobs {
		snapshot[id] = *job
	}
	t.mu.Unlock()

	content, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		t.log.Error("Failed to marshal tracker state", "error", err)
		return
	}

	if dir := filepath.Dir(t.opts.StatePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.log.Error("Failed to create tracker state directory", "error", err)
			return
		}
	}

	tmp := t.opts.StatePath + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		t.log.Error("Failed to write tracker state", "error", err)
		return
	}
	if err := os.Rename(tmp, t.opts.StatePath); err != nil {
		t.log.Error("Failed to replace tracker state", "error", err)
	}
}
