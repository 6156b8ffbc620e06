package workflow

import (
	"fmt"
	"strings"

	"github.com/aixgo-dev/carepath/pkg/directory"
	"github.com/aixgo-dev/carepath/pkg/session"
)

const greeting = "Hello, I'm here to help work out the right care for you. What symptoms are you experiencing?"

// Response is what a caller sees after a turn.
type Response struct {
	SessionID          string                   `json:"session_id"`
	Stage              session.Stage            `json:"stage"`
	Message            string                   `json:"message"`
	UrgencyScore       int                      `json:"urgency_score,omitempty"`
	RedFlags           []string                 `json:"red_flags"`
	HandoffReady       bool                     `json:"handoff_ready"`
	ReferralRequired   bool                     `json:"referral_required"`
	RecommendedSetting session.CareSetting      `json:"recommended_setting,omitempty"`
	ClarifyingQuestion string                   `json:"clarifying_question,omitempty"`
	NextSteps          []string                 `json:"next_steps"`
	MatchedProvider    *directory.Provider      `json:"matched_provider,omitempty"`
	ReferralPackage    *session.ReferralPackage `json:"referral_package,omitempty"`
}

func newResponse(st *session.State) *Response {
	return &Response{
		SessionID:          st.ID,
		Stage:              st.Stage,
		Message:            message(st),
		UrgencyScore:       st.UrgencyScore,
		RedFlags:           nonNil(st.RedFlags),
		HandoffReady:       st.HandoffReady,
		ReferralRequired:   st.ReferralRequired,
		RecommendedSetting: st.RecommendedSetting,
		ClarifyingQuestion: st.ClarifyingQuestion,
		NextSteps:          nonNil(st.NextSteps),
		MatchedProvider:    st.MatchedProvider,
		ReferralPackage:    st.ReferralPackage,
	}
}

// message derives the text shown to the patient from the stored outputs.
func message(st *session.State) string {
	switch {
	case st.Stage == session.StageTriage && st.ClarifyingQuestion != "":
		return st.ClarifyingQuestion
	case st.Stage != session.StageTerminal:
		return greeting
	case st.ReferralRequired && st.ReferralPackage != nil:
		return joinLines(st.GuidanceSummary, providerLine(st.MatchedProvider))
	case st.GuidanceCompleted:
		return st.GuidanceSummary
	default:
		return st.Assessment
	}
}

func providerLine(p *directory.Provider) string {
	if p == nil {
		return "We could not find a matching provider in our directory. Please contact your nearest care facility."
	}
	line := fmt.Sprintf("You have been referred to %s (%s) at %s.", p.Name, p.Specialty, p.Location)
	switch {
	case p.ContactPhone != "":
		line += " Phone: " + p.ContactPhone + "."
	case p.ContactEmail != "":
		line += " Email: " + p.ContactEmail + "."
	}
	return line
}

func joinLines(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
