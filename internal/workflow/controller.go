// Package workflow implements the report-assembly controller: the state
// machine that sequences initial analysis, diagnosis retrieval, assessment
// suggestion and final report generation for one workflow instance.
//
// All state lives behind one mutex. Network calls run without the lock and
// re-acquire it on completion; each stage tags its requests with a
// generation number and a completion is applied only if its generation is
// still the stage's current one (last request wins).
package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medinsight-report-assembler/internal/domain"
	"github.com/medinsight-report-assembler/internal/presentation"
)

// Stage fallback messages shown when the backend gave no detail
var stageFallback = map[domain.Stage]string{
	domain.StageUpload:     domain.MsgAnalysisFailed,
	domain.StageDiagnoses:  "Failed to retrieve possible diagnoses. Please try again.",
	domain.StageSuggestion: "Failed to generate an assessment suggestion. Please try again.",
	domain.StageTreatments: "Failed to review the recommended treatments. Please try again.",
	domain.StageReport:     "Failed to generate the final report. Please try again.",
}

// loadingPhase is the phase a stage puts the controller in while in flight
var loadingPhase = map[domain.Stage]Phase{
	domain.StageDiagnoses:  PhaseRetrievingDiagnoses,
	domain.StageSuggestion: PhaseRetrievingSuggestion,
	domain.StageReport:     PhaseSubmittingReport,
}

type stageState struct {
	status     StageStatus
	err        *domain.WorkflowError
	message    string
	generation uint64
	cancel     context.CancelFunc
}

// Controller owns one workflow instance
type Controller struct {
	id      string
	backend domain.AnalysisBackend
	logger  *logrus.Logger

	mu          sync.Mutex
	phase       Phase
	analysis    *domain.AnalysisResult
	facts       *presentation.Facts
	diagnoses   *domain.DiagnosisSet
	panelOpen   bool
	suggestion  string
	doctorInput string
	editing     bool
	treatments  []domain.TreatmentRecord
	report      *domain.FinalReport
	stages      map[domain.Stage]*stageState
	updatedAt   time.Time

	subscribers map[int]chan Snapshot
	nextSubID   int

	baseCtx  context.Context
	shutdown context.CancelFunc
	inflight sync.WaitGroup
	closed   bool
}

// New creates a controller in the Idle phase
func New(backend domain.AnalysisBackend, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	baseCtx, shutdown := context.WithCancel(context.Background())
	c := &Controller{
		id:          uuid.New().String(),
		backend:     backend,
		logger:      logger,
		phase:       PhaseIdle,
		stages:      make(map[domain.Stage]*stageState),
		subscribers: make(map[int]chan Snapshot),
		baseCtx:     baseCtx,
		shutdown:    shutdown,
		updatedAt:   time.Now().UTC(),
	}
	for _, s := range []domain.Stage{domain.StageUpload, domain.StageDiagnoses, domain.StageSuggestion, domain.StageTreatments, domain.StageReport} {
		c.stages[s] = &stageState{status: StatusIdle}
	}
	return c
}

// ID returns the workflow instance identifier
func (c *Controller) ID() string {
	return c.id
}

// Snapshot returns a copy of the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel receiving a snapshot after every state change
// and a function that ends the subscription. A slow subscriber only sees the
// latest snapshot.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

// Wait blocks until every request started by the controller itself (the
// automatic diagnosis retrieval) has completed.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset starts a new analysis: every held entity is discarded and every
// in-flight request is superseded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.logger.WithField("workflow_id", c.id).Info("Workflow reset")
	c.notifyLocked()
}

// Close supersedes everything in flight and ends all subscriptions
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.resetLocked()
	c.shutdown()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
}

func (c *Controller) resetLocked() {
	for _, st := range c.stages {
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
		st.generation++
		st.status = StatusIdle
		st.err = nil
		st.message = ""
	}
	c.phase = PhaseIdle
	c.analysis = nil
	c.facts = nil
	c.diagnoses = nil
	c.panelOpen = false
	c.suggestion = ""
	c.doctorInput = ""
	c.editing = false
	c.treatments = nil
	c.report = nil
}

// idleStageLocked supersedes whatever stage has in flight and clears its
// status.
func (c *Controller) idleStageLocked(stage domain.Stage) {
	st := c.stages[stage]
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.generation++
	st.status = StatusIdle
	st.err = nil
	st.message = ""
}

// begin starts a request on stage, superseding any request still in flight
func (c *Controller) begin(ctx context.Context, stage domain.Stage) (context.Context, context.CancelFunc, uint64) {
	st := c.stages[stage]
	if st.cancel != nil {
		st.cancel()
	}
	st.generation++
	reqCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.status = StatusLoading
	st.err = nil
	st.message = ""
	if phase, ok := loadingPhase[stage]; ok {
		c.phase = phase
	}

	c.logger.WithFields(logrus.Fields{
		"workflow_id": c.id,
		"stage":       stage,
		"generation":  st.generation,
		"phase":       c.phase,
	}).Debug("Stage request started")

	return reqCtx, cancel, st.generation
}

// current reports whether gen is still the live request of stage. It must
// be called with the lock held.
func (c *Controller) current(stage domain.Stage, gen uint64) bool {
	st := c.stages[stage]
	if st.generation != gen {
		c.logger.WithFields(logrus.Fields{
			"workflow_id": c.id,
			"stage":       stage,
			"generation":  gen,
			"current":     st.generation,
		}).Debug("Discarding superseded response")
		return false
	}
	st.cancel = nil
	return true
}

func (c *Controller) succeed(stage domain.Stage, phase Phase) {
	st := c.stages[stage]
	st.status = StatusReady
	st.err = nil
	st.message = ""
	if c.phase == loadingPhase[stage] || stage == domain.StageUpload {
		c.phase = phase
	}
	c.logger.WithFields(logrus.Fields{
		"workflow_id": c.id,
		"stage":       stage,
		"generation":  st.generation,
		"phase":       c.phase,
	}).Info("Stage completed")
}

// fail stores a stage-local error and returns it
func (c *Controller) fail(stage domain.Stage, phase Phase, cause error) *domain.WorkflowError {
	st := c.stages[stage]
	werr := normalizeError(stage, cause)
	st.status = StatusFailed
	st.err = werr
	st.message = displayMessage(stage, werr)
	if c.phase == loadingPhase[stage] || stage == domain.StageUpload {
		c.phase = phase
	}
	c.logger.WithFields(logrus.Fields{
		"workflow_id": c.id,
		"stage":       stage,
		"generation":  st.generation,
		"kind":        werr.Kind,
		"error":       cause,
	}).Warn("Stage failed")
	return werr
}

// invalid reports an action refused for bad input. The error is stored on
// the stage unless a request of the stage is still in flight, whose status
// it must not overwrite.
func (c *Controller) invalid(stage domain.Stage, err *domain.WorkflowError) error {
	if c.stages[stage].status.inFlight() {
		return c.reject(stage, err)
	}
	werr := c.fail(stage, c.phase, err)
	c.notifyLocked()
	return werr
}

// reject refuses an action whose precondition does not hold. The view is
// expected to have disabled the action, so nothing is stored.
func (c *Controller) reject(stage domain.Stage, err *domain.WorkflowError) error {
	c.logger.WithFields(logrus.Fields{
		"workflow_id": c.id,
		"stage":       stage,
		"kind":        err.Kind,
		"phase":       c.phase,
	}).Warn(err.Message)
	return err
}

func (c *Controller) superseded(stage domain.Stage) error {
	return domain.NewWorkflowError(domain.KindSuperseded, stage, "request superseded by a newer request")
}

func (c *Controller) complete(stage domain.Stage) error {
	if c.report == nil {
		return nil
	}
	return c.reject(stage, domain.NewWorkflowError(domain.KindWorkflowComplete, stage,
		"the final report has been generated; start a new analysis"))
}

// spawn runs fn on a controller-owned goroutine tracked by Wait
func (c *Controller) spawn(fn func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		fn()
	}()
}

func (c *Controller) notifyLocked() {
	c.updatedAt = time.Now().UTC()
	if len(c.subscribers) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot the subscriber has not read yet
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	stages := make(map[domain.Stage]StageView, len(c.stages))
	for name, st := range c.stages {
		view := StageView{Status: st.status, Error: st.message, Generation: st.generation}
		if st.err != nil {
			view.ErrorKind = st.err.Kind
		}
		stages[name] = view
	}

	var facts *presentation.Facts
	if c.facts != nil {
		f := *c.facts
		facts = &f
	}

	return Snapshot{
		WorkflowID:  c.id,
		Phase:       c.phase,
		Analysis:    c.analysis,
		Facts:       facts,
		Diagnoses:   c.diagnoses,
		PanelOpen:   c.panelOpen,
		Suggestion:  c.suggestion,
		DoctorInput: c.doctorInput,
		Editing:     c.editing,
		Treatments:  c.treatments,
		Report:      c.report,
		Stages:      stages,
		Actions:     c.actionsLocked(),
		UpdatedAt:   c.updatedAt,
	}
}

func (c *Controller) actionsLocked() Actions {
	done := c.report != nil
	loading := func(s domain.Stage) bool { return c.stages[s].status.inFlight() }

	return Actions{
		CanUpload:           !loading(domain.StageUpload),
		CanRetryDiagnoses:   !done && c.analysis != nil && !loading(domain.StageDiagnoses),
		CanOpenPanel:        !done && c.diagnoses != nil && !c.panelOpen,
		CanRegenerate:       !done && c.diagnoses != nil && c.panelOpen && !loading(domain.StageSuggestion),
		CanAccept:           !done && c.suggestion != "",
		CanEdit:             !done && c.suggestion != "",
		CanReviewTreatments: !done && c.diagnoses != nil && !loading(domain.StageTreatments),
		CanSubmit: !done && c.analysis != nil && c.diagnoses != nil &&
			strings.TrimSpace(c.doctorInput) != "" && !loading(domain.StageReport),
		CanReset: true,
	}
}

// normalizeError attributes err to stage. Errors that are not workflow
// errors are treated as transport failures.
func normalizeError(stage domain.Stage, err error) *domain.WorkflowError {
	var we *domain.WorkflowError
	if errors.As(domain.WithStage(err, stage), &we) {
		return we
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewTransportError(stage, domain.MsgRequestTimedOut, err)
	}
	return domain.NewTransportError(stage, domain.MsgServiceFailure, err)
}

// displayMessage is the inline text a stage renders: the backend's detail
// verbatim when present, the timeout notice for timeouts, else the stage's
// generic message.
func displayMessage(stage domain.Stage, err *domain.WorkflowError) string {
	if err.Kind == domain.KindBackendError && err.Detail != "" {
		return err.Detail
	}
	if err.Kind == domain.KindMissingInput || err.Kind == domain.KindMissingAssessment {
		return err.Message
	}
	if err.Kind == domain.KindTransportFailure && err.Message == domain.MsgRequestTimedOut {
		return err.Message
	}
	return stageFallback[stage]
}
