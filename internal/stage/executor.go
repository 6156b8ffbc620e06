package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/carepath/internal/llm/provider"
	"github.com/aixgo-dev/carepath/internal/observability"
	metrics "github.com/aixgo-dev/carepath/pkg/observability"
	"github.com/aixgo-dev/carepath/pkg/session"
)

// Executor runs workflow stages against a Provider.
type Executor struct {
	provider    provider.Provider
	model       string
	temperature float64
	maxTokens   int
}

// Option configures an Executor.
type Option func(*Executor)

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(e *Executor) { e.model = model }
}

// WithTemperature sets the sampling temperature for every stage call.
func WithTemperature(t float64) Option {
	return func(e *Executor) { e.temperature = t }
}

// WithMaxTokens caps the size of each stage reply.
func WithMaxTokens(n int) Option {
	return func(e *Executor) { e.maxTokens = n }
}

// NewExecutor creates an Executor backed by p.
func NewExecutor(p provider.Provider, opts ...Option) *Executor {
	e := &Executor{provider: p}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Triage assesses the conversation held in st.
func (e *Executor) Triage(ctx context.Context, st *session.State) (*TriageResult, error) {
	messages := []provider.Message{{Role: provider.RoleSystem, Content: triagePrompt}}
	if st.Patient != nil {
		messages = append(messages, provider.Message{
			Role:    provider.RoleSystem,
			Content: "Patient record:\n" + mustJSON(st.Patient),
		})
	}
	if assessed(st) {
		current := struct {
			triage
			ClarificationAttempts int `json:"clarification_attempts"`
		}{
			triage:                triageSummary(st),
			ClarificationAttempts: st.ClarificationAttempts,
		}
		current.Patient = nil
		messages = append(messages, provider.Message{
			Role:    provider.RoleSystem,
			Content: "Current assessment:\n" + mustJSON(current),
		})
	}
	messages = append(messages, history(st)...)

	var out TriageResult
	if err := e.execute(ctx, session.StageTriage, SchemaTriage, triageSchema, messages, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Guidance decides the level of care from the triage fields and
// conversation of st.
func (e *Executor) Guidance(ctx context.Context, st *session.State) (*GuidanceResult, error) {
	messages := []provider.Message{{Role: provider.RoleSystem, Content: guidancePrompt}}
	messages = append(messages, history(st)...)
	messages = append(messages, provider.Message{
		Role:    provider.RoleUser,
		Content: "Triage summary:\n" + mustJSON(triageSummary(st)),
	})

	var out GuidanceResult
	if err := e.execute(ctx, session.StageClinicalGuidance, SchemaGuidance, guidanceSchema, messages, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Referral builds the referral package from everything gathered in st.
func (e *Executor) Referral(ctx context.Context, st *session.State) (*ReferralResult, error) {
	summary := struct {
		triage
		ReferralRequired   bool                `json:"referral_required"`
		RecommendedSetting session.CareSetting `json:"recommended_setting"`
		GuidanceSummary    string              `json:"guidance_summary"`
		Transcript         string              `json:"transcript"`
	}{
		triage:             triageSummary(st),
		ReferralRequired:   st.ReferralRequired,
		RecommendedSetting: st.RecommendedSetting,
		GuidanceSummary:    st.GuidanceSummary,
		Transcript:         transcript(st),
	}
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: referralPrompt},
		{Role: provider.RoleUser, Content: "Case summary:\n" + mustJSON(summary)},
	}

	var out ReferralResult
	if err := e.execute(ctx, session.StageReferralBuilder, SchemaReferral, referralSchema, messages, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Executor) execute(ctx context.Context, stage session.Stage, schemaName string, schema *provider.Schema, messages []provider.Message, out checker) (err error) {
	ctx, span := observability.StartSpan(ctx, "stage."+string(stage),
		trace.WithAttributes(attribute.String("stage", string(stage))))
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			observability.RecordError(span, err)
		}
		metrics.RecordStageExecution(string(stage), status, time.Since(start))
		span.End()
	}()

	resp, err := e.provider.CreateStructured(ctx, provider.StructuredRequest{
		CompletionRequest: provider.CompletionRequest{
			Messages:    messages,
			Model:       e.model,
			Temperature: e.temperature,
			MaxTokens:   e.maxTokens,
		},
		SchemaName:     schemaName,
		ResponseSchema: schema.JSON(),
		StrictSchema:   true,
	})
	if err != nil {
		if interrupted(ctx, err) {
			return fmt.Errorf("%s stage: %w", stage, err)
		}
		log.Printf("Stage %s: engine call failed: %v", stage, err)
		return engineFailure(stage, err)
	}

	if err := provider.ValidateJSON(schema, resp.Data); err != nil {
		log.Printf("Stage %s: rejected engine reply: %v", stage, err)
		return engineFailure(stage, err)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return engineFailure(stage, fmt.Errorf("decode reply: %w", err))
	}
	if err := out.check(); err != nil {
		log.Printf("Stage %s: rejected engine reply: %v", stage, err)
		return engineFailure(stage, err)
	}
	return nil
}

type triage struct {
	ChiefComplaint string               `json:"chief_complaint"`
	Symptoms       []string             `json:"symptoms"`
	UrgencyScore   int                  `json:"urgency_score"`
	RedFlags       []string             `json:"red_flags"`
	Assessment     string               `json:"assessment"`
	MedicalCodes   session.MedicalCodes `json:"medical_codes"`
	Patient        *session.PatientInfo `json:"patient,omitempty"`
}

func triageSummary(st *session.State) triage {
	return triage{
		ChiefComplaint: st.ChiefComplaint,
		Symptoms:       st.Symptoms,
		UrgencyScore:   st.UrgencyScore,
		RedFlags:       st.RedFlags,
		Assessment:     st.Assessment,
		MedicalCodes:   st.MedicalCodes,
		Patient:        st.Patient,
	}
}

// assessed reports whether an earlier triage turn has recorded fields.
func assessed(st *session.State) bool {
	return st.ChiefComplaint != "" || len(st.Symptoms) > 0 || st.UrgencyScore > 0 || st.ClarificationAttempts > 0
}

// history maps the conversation onto chat roles.
func history(st *session.State) []provider.Message {
	out := make([]provider.Message, 0, len(st.Turns))
	for _, t := range st.Turns {
		role := provider.RoleUser
		if t.Role == session.RoleAssistant {
			role = provider.RoleAssistant
		}
		out = append(out, provider.Message{Role: role, Content: t.Text})
	}
	return out
}

func transcript(st *session.State) string {
	var b strings.Builder
	for _, t := range st.Turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("marshal stage context: %v", err))
	}
	return string(data)
}
