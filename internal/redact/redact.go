// Package redact scrubs sensitive information from strings before they are
// logged, persisted as task errors or returned in error responses.
//
// Credentials removes secrets only and keeps the message readable, which is
// what task error records need. String additionally hides infrastructure
// detail (paths, hosts, SQL, stack traces) for text that leaves the service.
package redact

import "regexp"

// Redaction placeholders.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
)

type rule struct {
	re          *regexp.Regexp
	replacement string
}

var credentialRules = []rule{
	// userinfo in any URL: postgres://, redis://, amqp://, https:// ...
	{
		re:          regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*)://[^/\s@]+@`),
		replacement: "${1}://" + RedactedCredentialPlaceholder + "@",
	},
	{
		re:          regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/]+=*`),
		replacement: "Bearer " + RedactedTokenPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`),
		replacement: RedactedCredentialPlaceholder,
	},
	{
		re: regexp.MustCompile(
			`(?i)(api[_-]?key|token|secret|key|access|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
		),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(AKIA|AccessKey(Id)?)([^a-zA-Z0-9])?[A-Z0-9]{8,}`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		replacement: "[REDACTED_JWT]",
	},
}

var detailRules = []rule{
	{re: regexp.MustCompile(`(/[\w.-]+){2,}`), replacement: RedactedPathPlaceholder},
	{re: regexp.MustCompile(`[A-Za-z]:\\[^\\]+(\\[^\\]+)+`), replacement: RedactedPathPlaceholder},
	{re: regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`), replacement: "[STACK_TRACE_REDACTED]"},
	{
		re:          regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
		replacement: "[REDACTED_EMAIL]",
	},
	{
		re: regexp.MustCompile(
			`(?i)(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|GRANT)[\s\w,*()]+(?:FROM|INTO|SET|TABLE|DATABASE|SCHEMA|VIEW)(?:[\s\w,*()='"]+)?`,
		),
		replacement: "[REDACTED_SQL]",
	},
	{re: regexp.MustCompile(`(?:at )?line ?\d+`), replacement: "[REDACTED_LINE_NUMBER]"},
	{re: regexp.MustCompile(`(?i)syntax error|syntax problem|parse error`), replacement: "[REDACTED_SYNTAX_ERROR]"},
	{
		re: regexp.MustCompile(
			`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}(?::\d{1,5})?\b`,
		),
		replacement: "[REDACTED_HOST]",
	},
	{
		re:          regexp.MustCompile(`(?i)(?:no such file|file not found|can't open|cannot open|file error)`),
		replacement: "[REDACTED_FILE_ERROR]",
	},
}

func apply(input string, rules []rule) string {
	for _, r := range rules {
		input = r.re.ReplaceAllString(input, r.replacement)
	}
	return input
}

// Credentials removes secrets (URL userinfo, bearer tokens, passwords, API
// keys, JWTs) and leaves the rest of the message intact.
func Credentials(input string) string {
	if input == "" {
		return input
	}
	return apply(input, credentialRules)
}

// String redacts credentials and infrastructure detail from input.
func String(input string) string {
	if input == "" {
		return input
	}
	return apply(apply(input, credentialRules), detailRules)
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
