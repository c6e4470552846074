package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dermascan/internal/util"
	"dermascan/pkg/domain"
	"dermascan/services/scanner/internal/history"
	"dermascan/services/scanner/internal/scanclient"
)

const followUpTimeout = 30 * time.Second

// State is a step of the analysis workflow.
type State string

const (
	StateIdle           State = "idle"
	StateValidating     State = "validating"
	StateUploading      State = "uploading"
	StateAwaitingResult State = "awaiting_result"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// Outcome is a successful analysis.
type Outcome struct {
	Result   domain.AnalysisResult
	ImageURL string
	// SuggestRegister is set for anonymous analyses.
	SuggestRegister bool
}

// Snapshot is the workflow's observable state.
type Snapshot struct {
	State   State
	Outcome *Outcome
	Err     error
}

// Submitter sends an image for analysis.
type Submitter interface {
	Submit(ctx context.Context, img scanclient.Image, identityID string) (scanclient.Submission, error)
}

// IdentitySource reports who is logged in.
type IdentitySource interface {
	Current() *domain.Identity
}

// HistoryRefresher reloads an identity's history.
type HistoryRefresher interface {
	Refresh(ctx context.Context, identityID string) error
}

// WorkflowConfig configures a Workflow.
type WorkflowConfig struct {
	Submitter     Submitter
	Identity      IdentitySource
	History       HistoryRefresher
	RequireLogin  bool
	MaxImageBytes int64
	Logger        *slog.Logger
}

// Workflow runs one analysis at a time.
type Workflow struct {
	submitter    Submitter
	identity     IdentitySource
	history      HistoryRefresher
	requireLogin bool
	maxBytes     int64
	logger       *slog.Logger

	mu      sync.Mutex
	state   State
	outcome *Outcome
	err     error
	pending []transition

	hookMu       sync.Mutex
	onTransition func(from, to State)

	followUps sync.WaitGroup
}

type transition struct {
	from, to State
}

func NewWorkflow(cfg WorkflowConfig) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = scanclient.DefaultMaxImageBytes
	}
	return &Workflow{
		submitter:    cfg.Submitter,
		identity:     cfg.Identity,
		history:      cfg.History,
		requireLogin: cfg.RequireLogin,
		maxBytes:     maxBytes,
		logger:       logger,
		state:        StateIdle,
	}
}

// OnTransition sets a hook called after every state change.
func (w *Workflow) OnTransition(fn func(from, to State)) {
	w.hookMu.Lock()
	w.onTransition = fn
	w.hookMu.Unlock()
}

func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{State: w.state, Err: w.err}
	if w.outcome != nil {
		o := *w.outcome
		snap.Outcome = &o
	}
	return snap
}

// Reset returns to Idle unless an analysis is in flight.
func (w *Workflow) Reset() error {
	w.mu.Lock()
	if w.busyLocked() {
		w.mu.Unlock()
		return ErrBusy
	}
	w.outcome = nil
	w.err = nil
	w.moveLocked(StateIdle)
	w.unlockAndNotify()
	return nil
}

// Analyze validates and submits img. Starting from Succeeded or Failed
// discards the previous outcome.
func (w *Workflow) Analyze(ctx context.Context, img scanclient.Image) (Outcome, error) {
	w.mu.Lock()
	if w.busyLocked() {
		w.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	w.outcome = nil
	w.err = nil
	w.moveLocked(StateIdle)
	w.moveLocked(StateValidating)
	w.unlockAndNotify()

	ctx, requestID := util.EnsureRequestID(ctx)
	logger := util.LoggerFromContext(ctx)

	var identityID string
	if ident := w.identity.Current(); ident != nil {
		identityID = ident.ID
	}
	if _, _, err := scanclient.ValidateImage(img.Data, w.maxBytes); err != nil {
		return Outcome{}, w.fail(err)
	}
	if identityID == "" && w.requireLogin {
		return Outcome{}, w.fail(ErrAuthRequired)
	}

	w.advance(StateValidating, StateUploading)
	ctx = scanclient.WithUploadComplete(ctx, func() {
		w.advance(StateUploading, StateAwaitingResult)
	})
	sub, err := w.submitter.Submit(ctx, img, identityID)
	if err != nil {
		logger.Warn("analysis_failed", "user_id", identityID, "err", err)
		return Outcome{}, w.fail(err)
	}

	outcome := Outcome{
		Result:          sub.Analysis,
		ImageURL:        sub.ImageURL,
		SuggestRegister: identityID == "",
	}
	w.mu.Lock()
	if w.state == StateUploading {
		w.moveLocked(StateAwaitingResult)
	}
	w.outcome = &outcome
	w.moveLocked(StateSucceeded)
	w.unlockAndNotify()
	logger.Info("analysis_succeeded", "user_id", identityID, "diagnosis", string(outcome.Result.Diagnosis))

	if identityID != "" && w.history != nil {
		w.followUps.Add(1)
		go w.refreshHistory(requestID, identityID)
	}
	return outcome, nil
}

// WaitFollowUps blocks until background history refreshes finish.
func (w *Workflow) WaitFollowUps() {
	w.followUps.Wait()
}

func (w *Workflow) refreshHistory(requestID, identityID string) {
	defer w.followUps.Done()
	ctx, cancel := context.WithTimeout(context.Background(), followUpTimeout)
	defer cancel()
	ctx = util.WithRequestID(ctx, requestID)
	err := w.history.Refresh(ctx, identityID)
	if err != nil && !errors.Is(err, history.ErrStale) && !errors.Is(err, history.ErrNotOwner) {
		util.LoggerFromContext(ctx).Warn("history_refresh_after_analysis_failed", "user_id", identityID, "err", err)
	}
}

func (w *Workflow) fail(err error) error {
	w.mu.Lock()
	w.err = err
	w.moveLocked(StateFailed)
	w.unlockAndNotify()
	return err
}

func (w *Workflow) advance(from, to State) {
	w.mu.Lock()
	if w.state == from {
		w.moveLocked(to)
	}
	w.unlockAndNotify()
}

func (w *Workflow) busyLocked() bool {
	switch w.state {
	case StateValidating, StateUploading, StateAwaitingResult:
		return true
	}
	return false
}

func (w *Workflow) moveLocked(to State) {
	if w.state == to {
		return
	}
	w.pending = append(w.pending, transition{from: w.state, to: to})
	w.state = to
}

// unlockAndNotify releases mu and runs the transition hook for queued
// changes. The queue is drained under hookMu so transitions queued by the
// upload goroutine are delivered in the order they happened.
func (w *Workflow) unlockAndNotify() {
	w.mu.Unlock()

	w.hookMu.Lock()
	defer w.hookMu.Unlock()
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	if w.onTransition == nil {
		return
	}
	for _, t := range pending {
		w.onTransition(t.from, t.to)
	}
}
