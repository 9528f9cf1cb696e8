// Package redact removes secret and credential material from audit payloads
// before hashing and storage. Redaction is deterministic: the same input
// always produces the same output, so ledger Verify can recompute hashes
// over already-redacted payloads and get identical bytes.
//
// Secrets are replaced with a fixed placeholder plus a length/shape
// descriptor, e.g. "[REDACTED len=36 shape=base64]", so investigators can
// reason about what was there without recovering it.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

const placeholder = "[REDACTED"

// secretPatterns match credential material commonly smuggled into command
// text, flag values, and captured resource state.
var secretPatterns = []*regexp.Regexp{
	// Kubernetes service account / JWT tokens
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`),
	// Cloud provider access keys
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	// Private key blocks
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----(?s:.*?)-----END (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),
	// Basic auth embedded in URLs
	regexp.MustCompile(`https?://[^:/\s]+:[^@\s]+@`),
	// key=value assignments for well-known secret names
	regexp.MustCompile(`(?i)(password|passwd|token|secret|api[_-]?key|access[_-]?key)\s*[=:]\s*["']?[^\s"',}]{6,}["']?`),
}

// sensitiveKeys are map keys whose values are always redacted wholesale when
// redacting structured payloads, regardless of value shape. Matches the
// resource kinds the sanitizer flags (secrets, credentials, tokens).
var sensitiveKeys = []string{
	"password", "passwd", "token", "secret", "apikey", "api_key",
	"authorization", "credential", "private_key", "client_secret",
	"ca.crt", "tls.key", "tls.crt",
}

// String redacts secret material in free text.
func String(s string) string {
	out := s
	for _, p := range secretPatterns {
		out = p.ReplaceAllStringFunc(out, describe)
	}
	return out
}

// Map deep-redacts a structured payload. Values under sensitive keys are
// replaced entirely; all string values are additionally pattern-scanned.
// The input is not modified; a redacted copy is returned.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if s, ok := v.(string); ok {
				out[k] = describe(s)
			} else {
				out[k] = placeholder + "]"
			}
			continue
		}
		out[k] = Value(v)
	}
	return out
}

// Value redacts an arbitrary JSON-shaped value.
func Value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		return Map(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}

// describe produces the placeholder with a length/shape descriptor. The
// descriptor depends only on the matched text, keeping redaction
// deterministic across recomputations.
func describe(match string) string {
	return fmt.Sprintf("%s len=%d shape=%s]", placeholder, len(match), shapeOf(match))
}

func shapeOf(s string) string {
	switch {
	case strings.Contains(s, "PRIVATE KEY"):
		return "pem"
	case strings.Count(s, ".") == 2 && strings.HasPrefix(s, "eyJ"):
		return "jwt"
	case isHex(s):
		return "hex"
	case isBase64ish(s):
		return "base64"
	default:
		return "opaque"
	}
}

func isHex(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

func isBase64ish(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' ||
			r == '+' || r == '/' || r == '=' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
