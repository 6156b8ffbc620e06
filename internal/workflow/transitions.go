package workflow

import (
	"context"
	"fmt"
	"log"

	"github.com/aixgo-dev/carepath/internal/stage"
	"github.com/aixgo-dev/carepath/pkg/observability"
	"github.com/aixgo-dev/carepath/pkg/session"
)

// transition runs the stage the session is in, merges its result into st
// and returns the next stage.
type transition func(ctx context.Context, st *session.State) (session.Stage, error)

func (o *Orchestrator) transitions() map[session.Stage]transition {
	return map[session.Stage]transition{
		session.StageTriage:           o.triage,
		session.StageClinicalGuidance: o.guidance,
		session.StageReferralBuilder:  o.referral,
	}
}

// runLoop drives st through the state machine until it stops to ask the
// patient a question or reaches the terminal stage.
func (o *Orchestrator) runLoop(ctx context.Context, st *session.State) error {
	steps := o.transitions()
	for st.Stage != session.StageTerminal {
		if err := ctx.Err(); err != nil {
			return err
		}

		step, ok := steps[st.Stage]
		if !ok {
			return fmt.Errorf("no transition for stage %q", st.Stage)
		}

		from := st.Stage
		next, err := step(ctx, st)
		if err != nil {
			return err
		}
		if next.Rank() < from.Rank() {
			return fmt.Errorf("stage regressed from %s to %s", from, next)
		}
		if next == from {
			return nil
		}

		st.Stage = next
		observability.RecordStageTransition(string(from), string(next))
		log.Printf("Session %s: %s -> %s", st.ID, from, next)
	}
	return nil
}

func (o *Orchestrator) triage(ctx context.Context, st *session.State) (session.Stage, error) {
	res, err := o.stages.Triage(ctx, st)
	if err != nil {
		return st.Stage, err
	}

	st.Symptoms = res.Symptoms
	st.ChiefComplaint = res.ChiefComplaint
	st.UrgencyScore = res.UrgencyScore
	st.RedFlags = res.RedFlags
	st.Assessment = res.Assessment
	st.MedicalCodes = res.MedicalCodes
	st.HandoffReady = res.HandoffReady
	st.ClarifyingQuestion = ""

	// Red flags and high urgency go straight to guidance, question or not.
	escalate := len(res.RedFlags) > 0 || res.UrgencyScore >= 4

	if !escalate && res.NeedsClarification() {
		if st.ClarificationAttempts < o.maxClarifications {
			st.ClarificationAttempts++
			st.ClarifyingQuestion = res.ClarifyingQuestion
			return session.StageTriage, nil
		}
		st.HandoffReady = true
		observability.RecordForcedClarification()
		log.Printf("Session %s: clarification cap of %d reached, forcing handoff", st.ID, o.maxClarifications)
	}

	st.ClarificationAttempts = 0
	if st.HandoffReady || escalate {
		return session.StageClinicalGuidance, nil
	}
	return session.StageTerminal, nil
}

func (o *Orchestrator) guidance(ctx context.Context, st *session.State) (session.Stage, error) {
	res, err := o.stages.Guidance(ctx, st)
	if err != nil {
		return st.Stage, err
	}

	st.GuidanceCompleted = true
	st.ReferralRequired = res.ReferralRequired
	st.RecommendedSetting = res.RecommendedSetting
	st.GuidanceSummary = res.GuidanceSummary
	st.NextSteps = res.NextSteps

	if res.ReferralRequired {
		return session.StageReferralBuilder, nil
	}
	return session.StageTerminal, nil
}

func (o *Orchestrator) referral(ctx context.Context, st *session.State) (session.Stage, error) {
	res, err := o.stages.Referral(ctx, st)
	if err != nil {
		return st.Stage, err
	}

	st.ReferralPackage = res.Package()
	st.MatchedProvider = o.directory.Match(st.UrgencyScore, string(st.RecommendedSetting))
	observability.RecordReferralMatch(st.MatchedProvider != nil)
	return session.StageTerminal, nil
}

// Stages is the set of stage executors the orchestrator drives.
// *stage.Executor implements it.
type Stages interface {
	Triage(ctx context.Context, st *session.State) (*stage.TriageResult, error)
	Guidance(ctx context.Context, st *session.State) (*stage.GuidanceResult, error)
	Referral(ctx context.Context, st *session.State) (*stage.ReferralResult, error)
}
