package stage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/carepath/internal/llm/provider"
	"github.com/aixgo-dev/carepath/pkg/session"
)

func triageReply() TriageResult {
	return TriageResult{
		Symptoms:       []string{"chest pain", "shortness of breath"},
		ChiefComplaint: "chest pain",
		UrgencyScore:   5,
		RedFlags:       []string{"chest pain"},
		Assessment:     "possible acute coronary syndrome",
		MedicalCodes: session.MedicalCodes{
			SNOMED: []string{"29857009"},
			ICD10:  []string{"R07.9"},
		},
		HandoffReady:       true,
		ClarifyingQuestion: "",
	}
}

func guidanceReply() GuidanceResult {
	return GuidanceResult{
		ReferralRequired:   true,
		RecommendedSetting: session.SettingEmergencyDepartment,
		GuidanceSummary:    "Go to the emergency department now.",
		NextSteps:          []string{"Call emergency services"},
	}
}

func referralReply() ReferralResult {
	return ReferralResult{
		Demographics: Demographics{
			Name:           "Pat",
			Age:            58,
			Gender:         "female",
			Contact:        "555-0100",
			MedicalHistory: []string{"hypertension"},
			Medications:    []string{},
			Allergies:      []string{},
		},
		ChiefComplaint:        "chest pain",
		HistoryPresentIllness: "Crushing chest pain for 30 minutes.",
		Symptoms:              []string{"chest pain"},
		Assessment:            "possible acute coronary syndrome",
		UrgencyScore:          5,
		RedFlags:              []string{"chest pain"},
		MedicalCodes:          session.MedicalCodes{SNOMED: []string{}, ICD10: []string{"R07.9"}},
		Disposition:           "Emergency Department",
		ReferralNotes:         "Obtain ECG on arrival.",
	}
}

func newState() *session.State {
	st := session.New("s-1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	st.AppendTurn(session.RolePatient, "I have crushing chest pain", st.CreatedAt)
	return st
}

func TestExecutor_Triage(t *testing.T) {
	mock := provider.NewMockProvider("mock").Script(SchemaTriage, triageReply())
	exec := NewExecutor(mock, WithModel("gpt-test"), WithTemperature(0.2))

	st := newState()
	st.Patient = &session.PatientInfo{Name: "Pat", Age: 58}
	result, err := exec.Triage(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 5, result.UrgencyScore)
	assert.Equal(t, []string{"chest pain"}, result.RedFlags)
	assert.False(t, result.NeedsClarification())

	calls := mock.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, SchemaTriage, req.SchemaName)
	assert.Equal(t, "gpt-test", req.Model)
	assert.Equal(t, 0.2, req.Temperature)
	assert.True(t, req.StrictSchema)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, `"name": "Pat"`)
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "I have crushing chest pain"}, req.Messages[2])

	var schema map[string]any
	require.NoError(t, json.Unmarshal(req.ResponseSchema, &schema))
	assert.Equal(t, false, schema["additionalProperties"])
}

func TestExecutor_TriageHistoryRoles(t *testing.T) {
	mock := provider.NewMockProvider("mock").Script(SchemaTriage, triageReply())
	exec := NewExecutor(mock)

	st := newState()
	st.AppendTurn(session.RoleAssistant, "When did it start?", st.CreatedAt)
	st.AppendTurn(session.RolePatient, "An hour ago", st.CreatedAt)

	_, err := exec.Triage(context.Background(), st)
	require.NoError(t, err)

	msgs := mock.Calls()[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, provider.RoleUser, msgs[1].Role)
	assert.Equal(t, provider.RoleAssistant, msgs[2].Role)
	assert.Equal(t, provider.RoleUser, msgs[3].Role)
}

func TestExecutor_TriageCarriesCurrentAssessment(t *testing.T) {
	mock := provider.NewMockProvider("mock").Script(SchemaTriage, triageReply())
	exec := NewExecutor(mock)

	st := newState()
	st.ChiefComplaint = "chest pain"
	st.Symptoms = []string{"chest pain"}
	st.UrgencyScore = 3
	st.ClarificationAttempts = 1
	st.AppendTurn(session.RoleAssistant, "When did it start?", st.CreatedAt)
	st.AppendTurn(session.RolePatient, "An hour ago", st.CreatedAt)

	_, err := exec.Triage(context.Background(), st)
	require.NoError(t, err)

	msgs := mock.Calls()[0].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, provider.RoleSystem, msgs[1].Role)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "Current assessment:"))
	assert.Contains(t, msgs[1].Content, `"chief_complaint": "chest pain"`)
	assert.Contains(t, msgs[1].Content, `"clarification_attempts": 1`)
	assert.Equal(t, "An hour ago", msgs[4].Content)
}

func TestExecutor_Guidance(t *testing.T) {
	mock := provider.NewMockProvider("mock").Script(SchemaGuidance, guidanceReply())
	exec := NewExecutor(mock)

	st := newState()
	st.ChiefComplaint = "chest pain"
	st.UrgencyScore = 5

	result, err := exec.Guidance(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, result.ReferralRequired)
	assert.Equal(t, session.SettingEmergencyDepartment, result.RecommendedSetting)

	msgs := mock.Calls()[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "I have crushing chest pain"}, msgs[1])
	assert.Equal(t, provider.RoleUser, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, `"urgency_score": 5`)

	var schema provider.Schema
	require.NoError(t, json.Unmarshal(mock.Calls()[0].ResponseSchema, &schema))
	assert.Len(t, schema.Properties["recommended_setting"].Enum, len(session.CareSettings))
}

func TestExecutor_Referral(t *testing.T) {
	mock := provider.NewMockProvider("mock").Script(SchemaReferral, referralReply())
	exec := NewExecutor(mock)

	st := newState()
	st.RecommendedSetting = session.SettingEmergencyDepartment
	result, err := exec.Referral(context.Background(), st)
	require.NoError(t, err)

	pkg := result.Package()
	assert.Equal(t, "Pat", pkg.Demographics.Name)
	assert.Equal(t, []string{"hypertension"}, pkg.Demographics.MedicalHistory)
	assert.Equal(t, "Emergency Department", pkg.Disposition)
	assert.Equal(t, []string{"R07.9"}, pkg.MedicalCodes.ICD10)

	content := mock.Calls()[0].Messages[1].Content
	assert.Contains(t, content, "patient: I have crushing chest pain")
	assert.Contains(t, content, `"recommended_setting": "Emergency Department"`)
}

func TestExecutor_RejectsInvalidReplies(t *testing.T) {
	outOfRange := triageReply()
	outOfRange.UrgencyScore = 7

	zeroUrgency := triageReply()
	zeroUrgency.UrgencyScore = 0

	emptyAssessment := triageReply()
	emptyAssessment.Assessment = "  "

	tests := []struct {
		name  string
		reply any
	}{
		{"urgency above range", outOfRange},
		{"urgency below range", zeroUrgency},
		{"blank assessment", emptyAssessment},
		{"not json", json.RawMessage(`not json`)},
		{"missing fields", json.RawMessage(`{"urgency_score": 3}`)},
		{"null array", json.RawMessage(strings.Replace(string(mustMarshal(t, triageReply())), `"symptoms":["chest pain","shortness of breath"]`, `"symptoms":null`, 1))},
		{"unknown field", json.RawMessage(strings.Replace(string(mustMarshal(t, triageReply())), `{`, `{"extra":true,`, 1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := provider.NewMockProvider("mock").Script(SchemaTriage, tt.reply)
			_, err := NewExecutor(mock).Triage(context.Background(), newState())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrEngineFailure))

			var stageErr *Error
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, session.StageTriage, stageErr.Stage)
			assert.Equal(t, provider.ErrorCodeInvalidResponse, stageErr.Code())
		})
	}
}

func TestExecutor_RejectsUnknownSetting(t *testing.T) {
	reply := guidanceReply()
	reply.RecommendedSetting = "Telehealth"
	mock := provider.NewMockProvider("mock").Script(SchemaGuidance, reply)

	_, err := NewExecutor(mock).Guidance(context.Background(), newState())
	assert.ErrorIs(t, err, ErrEngineFailure)
}

func TestExecutor_ProviderError(t *testing.T) {
	perr := provider.NewProviderError("mock", provider.ErrorCodeRateLimit, "slow down", nil)
	mock := provider.NewMockProvider("mock").Script(SchemaReferral, perr)

	_, err := NewExecutor(mock).Referral(context.Background(), newState())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineFailure)

	var stageErr *Error
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, session.StageReferralBuilder, stageErr.Stage)
	assert.Equal(t, provider.ErrorCodeRateLimit, stageErr.Code())

	var got *provider.ProviderError
	require.ErrorAs(t, err, &got)
	assert.True(t, got.IsRetryable)
}

func TestExecutor_Cancelled(t *testing.T) {
	mock := provider.NewMockProvider("mock").Script(SchemaTriage, triageReply())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(mock).Triage(ctx, newState())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrEngineFailure)
}

func TestTriageResult_NeedsClarification(t *testing.T) {
	r := TriageResult{ClarifyingQuestion: "How long?"}
	assert.True(t, r.NeedsClarification())

	r.HandoffReady = true
	assert.False(t, r.NeedsClarification())

	r = TriageResult{ClarifyingQuestion: "   "}
	assert.False(t, r.NeedsClarification())
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
