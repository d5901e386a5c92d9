// Package hook holds the challenge-type constants the validation
// hooks (dnshook, httphook) report. The contract itself lives as
// ca.Hook; any type with that method set satisfies it structurally.
package hook

const (
	// ChallengeTypeDNS01 is reported by dnshook.
	ChallengeTypeDNS01 = "dns-01"
	// ChallengeTypeHTTP01 is reported by httphook.
	ChallengeTypeHTTP01 = "http-01"
)
