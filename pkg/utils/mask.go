package utils

// MaskSensitiveString hides the middle of secrets (API keys, tokens) for
// display. Short values are fully masked.
func MaskSensitiveString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
