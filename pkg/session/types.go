// Package session provides the session store for triage conversations.
// A session holds the full workflow state for one patient encounter and is
// kept until it is deleted or sits idle longer than the configured TTL.
package session

import (
	"time"

	"github.com/aixgo-dev/carepath/pkg/directory"
)

// Stage identifies where a session is in the workflow.
type Stage string

const (
	// StageTriage gathers symptoms and urgency.
	StageTriage Stage = "triage"
	// StageClinicalGuidance decides whether a referral is needed.
	StageClinicalGuidance Stage = "clinical_guidance"
	// StageReferralBuilder assembles the referral package and matches a provider.
	StageReferralBuilder Stage = "referral_builder"
	// StageTerminal means the encounter has concluded.
	StageTerminal Stage = "terminal"
)

// Rank orders stages along the workflow. Stages never move to a lower rank
// within one encounter.
func (s Stage) Rank() int {
	switch s {
	case StageTriage:
		return 0
	case StageClinicalGuidance:
		return 1
	case StageReferralBuilder:
		return 2
	case StageTerminal:
		return 3
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Rank() >= 0 }

// Role describes who authored a turn.
type Role string

const (
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation. Turns are append-only.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CareSetting is the closed set of settings the guidance stage may recommend.
type CareSetting string

const (
	SettingEmergencyDepartment CareSetting = "Emergency Department"
	SettingUrgentCare          CareSetting = "Urgent Care"
	SettingPrimaryCare         CareSetting = "Primary Care"
	SettingSelfCare            CareSetting = "Self-care"
	SettingSpecialist          CareSetting = "Specialist"
)

// CareSettings lists every valid CareSetting.
var CareSettings = []CareSetting{
	SettingEmergencyDepartment,
	SettingUrgentCare,
	SettingPrimaryCare,
	SettingSelfCare,
	SettingSpecialist,
}

// Valid reports whether c is one of CareSettings.
func (c CareSetting) Valid() bool {
	for _, s := range CareSettings {
		if c == s {
			return true
		}
	}
	return false
}

// MinUrgency and MaxUrgency bound the urgency score.
const (
	MinUrgency = 1
	MaxUrgency = 5
)

// MedicalCodes holds coded terminology for documented symptoms.
type MedicalCodes struct {
	SNOMED []string `json:"snomed_codes"`
	ICD10  []string `json:"icd_codes"`
}

// PatientInfo is optional demographic information supplied by the caller.
type PatientInfo struct {
	Name           string   `json:"name,omitempty"`
	Age            int      `json:"age,omitempty"`
	Gender         string   `json:"gender,omitempty"`
	Contact        string   `json:"contact,omitempty"`
	MedicalHistory []string `json:"medical_history"`
	Medications    []string `json:"medications"`
	Allergies      []string `json:"allergies"`
}

// ReferralPackage is the finalized referral handed to the receiving provider.
type ReferralPackage struct {
	Demographics          PatientInfo  `json:"demographics"`
	ChiefComplaint        string       `json:"chief_complaint"`
	HistoryPresentIllness string       `json:"history_present_illness"`
	Symptoms              []string     `json:"symptoms"`
	Assessment            string       `json:"assessment"`
	UrgencyScore          int          `json:"urgency_score"`
	RedFlags              []string     `json:"red_flags"`
	MedicalCodes          MedicalCodes `json:"medical_codes"`
	Disposition           string       `json:"disposition"`
	ReferralNotes         string       `json:"referral_notes"`
}

// State is the complete workflow state of one session.
type State struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Language     string    `json:"language,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Stage        Stage     `json:"stage"`
	Turns        []Turn    `json:"turns"`

	Patient *PatientInfo `json:"patient,omitempty"`

	// Triage
	Symptoms              []string     `json:"symptoms"`
	ChiefComplaint        string       `json:"chief_complaint,omitempty"`
	UrgencyScore          int          `json:"urgency_score,omitempty"`
	RedFlags              []string     `json:"red_flags"`
	Assessment            string       `json:"assessment,omitempty"`
	MedicalCodes          MedicalCodes `json:"medical_codes"`
	HandoffReady          bool         `json:"handoff_ready"`
	ClarifyingQuestion    string       `json:"clarifying_question,omitempty"`
	ClarificationAttempts int          `json:"clarification_attempts"`

	// Clinical guidance
	GuidanceCompleted  bool        `json:"guidance_completed"`
	ReferralRequired   bool        `json:"referral_required"`
	RecommendedSetting CareSetting `json:"recommended_setting,omitempty"`
	GuidanceSummary    string      `json:"guidance_summary,omitempty"`
	NextSteps          []string    `json:"next_steps"`

	// Referral
	ReferralPackage *ReferralPackage    `json:"referral_package,omitempty"`
	MatchedProvider *directory.Provider `json:"matched_provider,omitempty"`
}

// New returns a state with zero assessment fields positioned at triage.
func New(id string, now time.Time) *State {
	return &State{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Stage:        StageTriage,
	}
}

// Expired reports whether the session has been idle longer than ttl.
// A non-positive ttl never expires.
func (s *State) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastActivity) > ttl
}

// AppendTurn records a turn and bumps LastActivity.
func (s *State) AppendTurn(role Role, text string, at time.Time) {
	s.Turns = append(s.Turns, Turn{Role: role, Text: text, Timestamp: at})
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
}

// Clone returns a deep copy so a turn can be computed without touching the
// stored state until it commits.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	out.Symptoms = cloneStrings(s.Symptoms)
	out.RedFlags = cloneStrings(s.RedFlags)
	out.NextSteps = cloneStrings(s.NextSteps)
	out.MedicalCodes = s.MedicalCodes.clone()
	if s.Patient != nil {
		p := s.Patient.clone()
		out.Patient = &p
	}
	if s.ReferralPackage != nil {
		rp := *s.ReferralPackage
		rp.Demographics = s.ReferralPackage.Demographics.clone()
		rp.Symptoms = cloneStrings(rp.Symptoms)
		rp.RedFlags = cloneStrings(rp.RedFlags)
		rp.MedicalCodes = rp.MedicalCodes.clone()
		out.ReferralPackage = &rp
	}
	if s.MatchedProvider != nil {
		mp := *s.MatchedProvider
		out.MatchedProvider = &mp
	}
	return &out
}

func (m MedicalCodes) clone() MedicalCodes {
	return MedicalCodes{SNOMED: cloneStrings(m.SNOMED), ICD10: cloneStrings(m.ICD10)}
}

func (p PatientInfo) clone() PatientInfo {
	p.MedicalHistory = cloneStrings(p.MedicalHistory)
	p.Medications = cloneStrings(p.Medications)
	p.Allergies = cloneStrings(p.Allergies)
	return p
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
