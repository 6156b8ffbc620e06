package directory

import "strings"

// preferredSpecialty maps a recommended care setting (lower-cased) to the
// specialty label preferred when several providers are eligible.
var preferredSpecialty = map[string]string{
	"primary care":         "Primary Care",
	"self-care":            "Primary Care",
	"urgent care":          "Urgent Care",
	"emergency department": "Emergency Medicine",
	"specialist":           "Cardiology",
}

// PreferredSpecialty returns the specialty label for a care setting, or ""
// when the setting has no preference.
func PreferredSpecialty(setting string) string {
	return preferredSpecialty[strings.ToLower(strings.TrimSpace(setting))]
}

// Match picks a provider for a referral. Providers whose urgency range does
// not contain urgency are skipped. Among the rest, the first one whose
// specialty matches the preferred specialty for setting wins; failing that,
// the first eligible provider. Ties are broken by stored order only.
// Match returns nil when nobody is eligible.
func (d *Directory) Match(urgency int, setting string) *Provider {
	if d == nil {
		return nil
	}

	preferred := PreferredSpecialty(setting)

	var fallback *Provider
	for i := range d.providers {
		p := &d.providers[i]
		if !p.Eligible(urgency) {
			continue
		}
		if preferred != "" && strings.EqualFold(p.Specialty, preferred) {
			out := *p
			return &out
		}
		if fallback == nil {
			fallback = p
		}
	}

	if fallback == nil {
		return nil
	}
	out := *fallback
	return &out
}
