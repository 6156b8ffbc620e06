// Package security holds the request-facing protections of the service:
// rate limiting, API key authentication and bounded YAML decoding.
package security

// MaskSecret masks a secret for logging purposes
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) <= 8 {
		return "****"
	}

	return secret[:4] + "****" + secret[len(secret)-4:]
}
