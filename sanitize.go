package cqrs

import "strings"

// Characters the state store does not accept in keys, and their escape tokens.
// Order matters for Desanitize only in that tokens never overlap.
var (
	sanitizer = strings.NewReplacer(
		".", "<dot>",
		"#", "<hash>",
		"$", "<dollar>",
		"/", "<forward-slash>",
		"[", "<opening-bracket>",
		"]", "<closing-bracket>",
	)

	desanitizer = strings.NewReplacer(
		"<dot>", ".",
		"<hash>", "#",
		"<dollar>", "$",
		"<forward-slash>", "/",
		"<opening-bracket>", "[",
		"<closing-bracket>", "]",
	)
)

// Sanitize escapes a value so it can be used as a state key.
// Emails, phone numbers and group names round-trip through Desanitize.
// Input that already contains an escape token such as "<dot>" is outside
// the supported domain.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// Desanitize reverses Sanitize.
func Desanitize(s string) string {
	return desanitizer.Replace(s)
}
