package pipeline

import "unicode/utf8"

// EstimateTokens approximates the token count of s as one token per four
// characters, rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
