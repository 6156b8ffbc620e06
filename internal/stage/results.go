package stage

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/aixgo-dev/carepath/internal/llm/provider"
	"github.com/aixgo-dev/carepath/pkg/session"
)

// Schema names sent to the engine.
const (
	SchemaTriage   = "triage_assessment"
	SchemaGuidance = "clinical_guidance"
	SchemaReferral = "referral_package"
)

// TriageResult is the engine's assessment of the conversation so far.
type TriageResult struct {
	Symptoms           []string             `json:"symptoms" description:"Symptoms the patient has reported"`
	ChiefComplaint     string               `json:"chief_complaint" description:"Primary reason for the visit"`
	UrgencyScore       int                  `json:"urgency_score" minimum:"1" maximum:"5" description:"1 (routine) to 5 (life threatening)"`
	RedFlags           []string             `json:"red_flags" description:"Warning signs that need immediate attention"`
	Assessment         string               `json:"assessment" minLength:"1" description:"Short clinical assessment"`
	MedicalCodes       session.MedicalCodes `json:"medical_codes" description:"SNOMED CT and ICD-10 codes"`
	HandoffReady       bool                 `json:"handoff_ready" description:"Enough information has been gathered to hand off"`
	ClarifyingQuestion string               `json:"clarifying_question" description:"Next question for the patient, empty when none"`
}

func (r *TriageResult) check() error {
	if err := checkUrgency(r.UrgencyScore); err != nil {
		return err
	}
	if strings.TrimSpace(r.Assessment) == "" {
		return fmt.Errorf("assessment is empty")
	}
	return nil
}

// NeedsClarification reports whether the engine wants more information
// before handing off.
func (r *TriageResult) NeedsClarification() bool {
	return !r.HandoffReady && strings.TrimSpace(r.ClarifyingQuestion) != ""
}

// GuidanceResult is the engine's decision on the level of care.
type GuidanceResult struct {
	ReferralRequired   bool                `json:"referral_required" description:"A physician referral is needed now"`
	RecommendedSetting session.CareSetting `json:"recommended_setting" description:"Recommended care setting"`
	GuidanceSummary    string              `json:"guidance_summary" minLength:"1" description:"Summary of the decision for the patient"`
	NextSteps          []string            `json:"next_steps" description:"Actionable next steps for the patient"`
}

func (r *GuidanceResult) check() error {
	if !r.RecommendedSetting.Valid() {
		return fmt.Errorf("recommended setting %q is not a known care setting", r.RecommendedSetting)
	}
	if strings.TrimSpace(r.GuidanceSummary) == "" {
		return fmt.Errorf("guidance summary is empty")
	}
	return nil
}

// Demographics is the patient section of a referral.
type Demographics struct {
	Name           string   `json:"name"`
	Age            int      `json:"age" minimum:"0"`
	Gender         string   `json:"gender"`
	Contact        string   `json:"contact"`
	MedicalHistory []string `json:"medical_history"`
	Medications    []string `json:"medications"`
	Allergies      []string `json:"allergies"`
}

// ReferralResult is the referral package produced by the engine.
type ReferralResult struct {
	Demographics          Demographics         `json:"demographics"`
	ChiefComplaint        string               `json:"chief_complaint" minLength:"1"`
	HistoryPresentIllness string               `json:"history_present_illness" description:"Narrative history of the present illness"`
	Symptoms              []string             `json:"symptoms"`
	Assessment            string               `json:"assessment"`
	UrgencyScore          int                  `json:"urgency_score" minimum:"1" maximum:"5"`
	RedFlags              []string             `json:"red_flags"`
	MedicalCodes          session.MedicalCodes `json:"medical_codes"`
	Disposition           string               `json:"disposition" minLength:"1" description:"Recommended care setting for the receiving provider"`
	ReferralNotes         string               `json:"referral_notes" description:"Notes for the receiving provider"`
}

func (r *ReferralResult) check() error {
	if err := checkUrgency(r.UrgencyScore); err != nil {
		return err
	}
	if strings.TrimSpace(r.ChiefComplaint) == "" {
		return fmt.Errorf("chief complaint is empty")
	}
	if strings.TrimSpace(r.Disposition) == "" {
		return fmt.Errorf("disposition is empty")
	}
	return nil
}

// Package converts the result into the stored referral package.
func (r *ReferralResult) Package() *session.ReferralPackage {
	d := r.Demographics
	return &session.ReferralPackage{
		Demographics: session.PatientInfo{
			Name:           d.Name,
			Age:            d.Age,
			Gender:         d.Gender,
			Contact:        d.Contact,
			MedicalHistory: d.MedicalHistory,
			Medications:    d.Medications,
			Allergies:      d.Allergies,
		},
		ChiefComplaint:        r.ChiefComplaint,
		HistoryPresentIllness: r.HistoryPresentIllness,
		Symptoms:              r.Symptoms,
		Assessment:            r.Assessment,
		UrgencyScore:          r.UrgencyScore,
		RedFlags:              r.RedFlags,
		MedicalCodes:          r.MedicalCodes,
		Disposition:           r.Disposition,
		ReferralNotes:         r.ReferralNotes,
	}
}

func checkUrgency(score int) error {
	if score < session.MinUrgency || score > session.MaxUrgency {
		return fmt.Errorf("urgency score %d outside %d-%d", score, session.MinUrgency, session.MaxUrgency)
	}
	return nil
}

type checker interface {
	check() error
}

// Schemas built once; they never change at runtime.
var (
	triageSchema   = buildSchema(reflect.TypeOf(TriageResult{}))
	guidanceSchema = buildGuidanceSchema()
	referralSchema = buildSchema(reflect.TypeOf(ReferralResult{}))
)

func buildSchema(t reflect.Type) *provider.Schema {
	return provider.SchemaFromStruct(t).Strict()
}

func buildGuidanceSchema() *provider.Schema {
	schema := buildSchema(reflect.TypeOf(GuidanceResult{}))
	setting := schema.Properties["recommended_setting"]
	for _, s := range session.CareSettings {
		setting.Enum = append(setting.Enum, string(s))
	}
	return schema
}
