package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/carepath/internal/llm/provider"
	"github.com/aixgo-dev/carepath/internal/stage"
	"github.com/aixgo-dev/carepath/pkg/session"
)

const triageJSON = `{
  "symptoms": ["chest pain"],
  "chief_complaint": "chest pain",
  "urgency_score": %d,
  "red_flags": ["chest pain"],
  "assessment": "possible cardiac event",
  "medical_codes": {"snomed_codes": ["29857009"], "icd_codes": ["R07.9"]},
  "handoff_ready": true,
  "clarifying_question": ""
}`

func scriptedEngine(urgency int) *provider.MockProvider {
	triage := json.RawMessage(fmt.Sprintf(triageJSON, urgency))
	guidance := json.RawMessage(`{
  "referral_required": true,
  "recommended_setting": "Emergency Department",
  "guidance_summary": "Go to the emergency department now.",
  "next_steps": ["Call emergency services"]
}`)
	referral := json.RawMessage(`{
  "demographics": {"name": "Pat", "age": 58, "gender": "female", "contact": "", "medical_history": [], "medications": [], "allergies": []},
  "chief_complaint": "chest pain",
  "history_present_illness": "Sudden chest pain for 30 minutes.",
  "symptoms": ["chest pain"],
  "assessment": "possible cardiac event",
  "urgency_score": 5,
  "red_flags": ["chest pain"],
  "medical_codes": {"snomed_codes": [], "icd_codes": ["R07.9"]},
  "disposition": "Emergency Department",
  "referral_notes": "ECG on arrival"
}`)
	return provider.NewMockProvider("mock").
		Script(stage.SchemaTriage, triage).
		Script(stage.SchemaGuidance, guidance).
		Script(stage.SchemaReferral, referral)
}

func newEngineOrchestrator(t *testing.T, engine provider.Provider) *Orchestrator {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	store := session.NewMemoryStore(time.Hour)
	store.SetClock(clock.Now)
	return New(store, stage.NewExecutor(engine), testDirectory(t), WithClock(clock.Now))
}

func TestOrchestrator_WithExecutor(t *testing.T) {
	engine := scriptedEngine(5)
	orch := newEngineOrchestrator(t, engine)

	resp, err := orch.HandleTurn(context.Background(), TurnRequest{
		Message: "Crushing chest pain",
		Patient: &session.PatientInfo{Name: "Pat", Age: 58},
	})
	require.NoError(t, err)

	assert.Equal(t, session.StageTerminal, resp.Stage)
	assert.Equal(t, session.SettingEmergencyDepartment, resp.RecommendedSetting)
	require.NotNil(t, resp.MatchedProvider)
	assert.Equal(t, "em-1", resp.MatchedProvider.ID)
	require.NotNil(t, resp.ReferralPackage)
	assert.Equal(t, "Pat", resp.ReferralPackage.Demographics.Name)
	assert.Equal(t, 0, engine.Pending())

	names := make([]string, 0, 3)
	for _, call := range engine.Calls() {
		names = append(names, call.SchemaName)
	}
	assert.Equal(t, []string{stage.SchemaTriage, stage.SchemaGuidance, stage.SchemaReferral}, names)
}

func TestOrchestrator_RejectsOutOfRangeUrgency(t *testing.T) {
	engine := scriptedEngine(9)
	orch := newEngineOrchestrator(t, engine)

	start, err := orch.Start(context.Background(), StartRequest{})
	require.NoError(t, err)

	_, err = orch.HandleTurn(context.Background(), TurnRequest{SessionID: start.SessionID, Message: "chest pain"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stage.ErrEngineFailure))

	st, err := orch.Snapshot(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.Zero(t, st.UrgencyScore, "out-of-range urgency must never reach the session")
	assert.Equal(t, session.StageTriage, st.Stage)
	assert.Equal(t, 1, engine.CallsFor(stage.SchemaTriage))
	assert.Zero(t, engine.CallsFor(stage.SchemaGuidance))
}
