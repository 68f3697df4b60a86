package helpers

// MaskHeaderValue redacts the value of credential-bearing protocol headers
// so that passwords never reach the logs. Any other header value is
// returned unchanged.
func MaskHeaderValue(key, value string) string {
	switch key {
	case "pass", "newpass":
		return "[REDACTED]"
	}
	return value
}
