// Package workflow runs patient turns through the triage state machine.
//
// Each session moves through triage, clinical guidance and referral building
// before it terminates. A turn is computed on a private copy of the session
// and committed with a single store write, so a failed or cancelled turn
// leaves the stored session as it was.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/carepath/internal/observability"
	"github.com/aixgo-dev/carepath/pkg/directory"
	metrics "github.com/aixgo-dev/carepath/pkg/observability"
	"github.com/aixgo-dev/carepath/pkg/session"
)

// DefaultMaxClarifications is how many clarifying questions triage may ask
// in a row before handoff is forced.
const DefaultMaxClarifications = 2

// ErrEmptyMessage is returned for a turn without text.
var ErrEmptyMessage = errors.New("message is empty")

// Turn outcomes reported to metrics.
const (
	outcomeClarification  = "clarification"
	outcomeCompleted      = "completed"
	outcomeTerminalReplay = "terminal_replay"
	outcomeError          = "error"
)

// TurnRequest is one patient message. An empty or unknown SessionID starts
// a new session; the response carries the id to use from then on.
type TurnRequest struct {
	SessionID string
	Message   string

	// Used only when the turn creates the session.
	Patient  *session.PatientInfo
	Language string
	UserID   string
}

// StartRequest creates a session ahead of the first turn.
type StartRequest struct {
	Patient  *session.PatientInfo
	Language string
	UserID   string
}

// Orchestrator owns all session mutations.
type Orchestrator struct {
	store             session.Store
	stages            Stages
	directory         *directory.Directory
	maxClarifications int
	locks             *keyedLocks
	now               func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxClarifications sets the clarification cap. Negative values are
// ignored.
func WithMaxClarifications(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxClarifications = n
		}
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. dir may be nil, in which case referrals are
// never matched to a provider.
func New(store session.Store, stages Stages, dir *directory.Directory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:             store,
		stages:            stages,
		directory:         dir,
		maxClarifications: DefaultMaxClarifications,
		locks:             newKeyedLocks(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start creates an empty session positioned at triage.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Response, error) {
	st, release, err := o.create(ctx, req.Patient, req.Language, req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.store.Put(ctx, st); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	log.Printf("Session %s: started", st.ID)
	return newResponse(st), nil
}

// HandleTurn applies one patient message. Stages run until triage stops to
// ask a question or the session reaches the terminal stage. Nothing is
// stored unless every stage succeeds and ctx is still live.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (resp *Response, err error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	ctx, span := observability.StartSpan(ctx, "workflow.turn")
	defer func() {
		if err != nil {
			metrics.RecordTurn(outcomeError)
			observability.RecordError(span, err)
		}
		span.End()
	}()

	st, created, release, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	span.SetAttributes(attribute.String("session.id", st.ID), attribute.String("stage.start", string(st.Stage)))

	st.AppendTurn(session.RolePatient, text, o.now().UTC())

	outcome := outcomeCompleted
	if st.Stage == session.StageTerminal {
		outcome = outcomeTerminalReplay
	} else if err := o.runLoop(ctx, st); err != nil {
		if created {
			o.discard(st.ID)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		if created {
			o.discard(st.ID)
		}
		return nil, err
	}

	resp = newResponse(st)
	if st.Stage == session.StageTriage {
		outcome = outcomeClarification
	}
	st.AppendTurn(session.RoleAssistant, resp.Message, o.now().UTC())

	if err := o.store.Put(ctx, st); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	metrics.RecordTurn(outcome)
	span.SetAttributes(attribute.String("stage.end", string(st.Stage)))
	return resp, nil
}

// Snapshot returns the stored state without touching it.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (*session.State, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	return o.store.Get(ctx, id)
}

// Delete removes a session, waiting for any in-flight turn on it to finish.
// It returns session.ErrSessionNotFound if there was nothing to delete.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}
	release, err := o.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	existed, err := o.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !existed {
		return session.ErrSessionNotFound
	}
	log.Printf("Session %s: deleted", id)
	return nil
}

// ActiveSessions counts live sessions.
func (o *Orchestrator) ActiveSessions(ctx context.Context) (int, error) {
	n, err := o.store.Count(ctx, o.now())
	if err != nil {
		return 0, err
	}
	metrics.SetActiveSessions(n)
	return n, nil
}

// resolve locks and loads the session named by req, creating a new one when
// the id is empty, unknown or expired. The touch marks the session live for
// the sweeper while the turn is in flight.
func (o *Orchestrator) resolve(ctx context.Context, req TurnRequest) (*session.State, bool, func(), error) {
	if req.SessionID != "" {
		if err := session.ValidateID(req.SessionID); err != nil {
			return nil, false, nil, err
		}
		release, err := o.locks.acquire(ctx, req.SessionID)
		if err != nil {
			return nil, false, nil, err
		}

		st, err := o.load(ctx, req.SessionID)
		if err == nil {
			return st, false, release, nil
		}
		release()
		if !errors.Is(err, session.ErrSessionNotFound) {
			return nil, false, nil, err
		}
		log.Printf("Session %s: not found, starting a new session", req.SessionID)
	}

	st, release, err := o.create(ctx, req.Patient, req.Language, req.UserID)
	if err != nil {
		return nil, false, nil, err
	}
	return st, true, release, nil
}

func (o *Orchestrator) load(ctx context.Context, id string) (*session.State, error) {
	if err := o.store.Touch(ctx, id, o.now().UTC()); err != nil {
		return nil, err
	}
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) create(ctx context.Context, patient *session.PatientInfo, language, userID string) (*session.State, func(), error) {
	st, err := o.store.Create(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	release, err := o.locks.acquire(ctx, st.ID)
	if err != nil {
		o.discard(st.ID)
		return nil, nil, err
	}
	if patient != nil {
		p := *patient
		st.Patient = &p
	}
	st.Language = language
	st.UserID = userID
	return st, release, nil
}

// discard drops a session created by a turn that failed, so the failure
// leaves no trace behind.
func (o *Orchestrator) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.store.Delete(ctx, id); err != nil {
		log.Printf("Session %s: failed to discard after error: %v", id, err)
	}
}
