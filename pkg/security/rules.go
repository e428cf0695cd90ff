package security

import (
	"fmt"
	"regexp"

	"obscore/pkg/obserrors"
	"obscore/pkg/types"
)

// newRegexRule compiles pattern with global (ReplaceAll) semantics.
func newRegexRule(name, pattern, replacement, description string) types.MaskingRule {
	return types.MaskingRule{
		Name:        name,
		Pattern:     regexp.MustCompile(pattern),
		Replacement: replacement,
		Enabled:     true,
		Description: description,
	}
}

// newLiteralRule compiles literal as a case-insensitive whole-string
// sweep; Literal is kept for introspection, Pattern is what Sanitize
// actually runs.
func newLiteralRule(name, literal, replacement, description string) types.MaskingRule {
	return types.MaskingRule{
		Name:        name,
		Pattern:     regexp.MustCompile("(?i)" + regexp.QuoteMeta(literal)),
		Literal:     literal,
		Replacement: replacement,
		Enabled:     true,
		Description: description,
	}
}

// defaultBuiltInRules returns the built-in rule set in the order
// spec.md §3 lists them. Order matters: later rules see the output of
// earlier ones. The API-key-like rule runs before the JWT rule, so a
// well-formed JWT's long base64url segments are usually already masked
// by the API-key rule by the time the JWT rule would run; the JWT rule
// still catches short-segment tokens the API-key rule's 32-char minimum
// misses.
func defaultBuiltInRules() []types.MaskingRule {
	return []types.MaskingRule{
		newRegexRule("email",
			`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
			"***@***.***",
			"email addresses"),
		newRegexRule("phone",
			`\b(?:\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`,
			"***-***-****",
			"phone numbers, 10+ digits"),
		newRegexRule("credit_card",
			`\b(?:\d{4}[-\s]?){3}\d{4}\b`,
			"****-****-****-****",
			"16-digit credit card numbers"),
		newRegexRule("ssn",
			`\b\d{3}-\d{2}-\d{4}\b`,
			"***-**-****",
			"US social security numbers"),
		newLiteralRule("password",
			"password",
			"[REDACTED]",
			"the literal substring \"password\""),
		newRegexRule("api_key",
			`\b[A-Za-z0-9_-]{32,}\b`,
			"[API_KEY_REDACTED]",
			"API-key-like tokens, 32+ alphanumeric/underscore/dash chars"),
		newRegexRule("jwt",
			`\b[A-Za-z_-][A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`,
			"[JWT_REDACTED]",
			"three-segment base64url JWTs"),
		newRegexRule("national_id",
			`\b\d{9,12}\b`,
			"[NATIONAL_ID_REDACTED]",
			"national ID numbers, 9-12 digits"),
		newRegexRule("bank_account",
			`\b\d{10,20}\b`,
			"[BANK_ACCOUNT_REDACTED]",
			"bank account numbers, 10-20 digits (overlaps national_id by design, see spec.md §9)"),
		disabledRule(newRegexRule("ipv4",
			`\b(?:\d{1,3}\.){3}\d{1,3}\b`,
			"[IP_REDACTED]",
			"IPv4 addresses; disabled by default, tracker correctness needs IPs in logs")),
	}
}

func disabledRule(r types.MaskingRule) types.MaskingRule {
	r.Enabled = false
	return r
}

func defaultSensitiveFieldNames() []string {
	return []string{
		"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
		"ssn", "social_security", "credit_card", "card_number", "cvv", "pin",
		"authorization", "private_key", "access_token", "refresh_token",
	}
}

// NewDefaultPolicy returns a policy in the given mode with the default
// built-in rules and sensitive field names, max depth 50.
func NewDefaultPolicy(mode types.PolicyMode) *types.MaskingPolicy {
	p := &types.MaskingPolicy{
		Mode:                mode,
		Enabled:             true,
		StrictMode:          false,
		MaxDepth:            50,
		Rules:               defaultBuiltInRules(),
		SensitiveFieldNames: defaultSensitiveFieldNames(),
	}
	if err := LintPolicy(p); err != nil {
		panic("obscore/security: default policy failed self-lint: " + err.Error())
	}
	return p
}

// LintPolicy verifies spec.md §9's non-interference requirement: no
// enabled rule's Replacement is matched by any enabled rule, itself
// included. Each replacement is checked against every enabled rule,
// whether it runs before or after, so that sanitizing an already
// sanitized string changes nothing.
func LintPolicy(p *types.MaskingPolicy) error {
	rules := p.AllRules()
	enabled := make([]types.MaskingRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	for _, r := range enabled {
		for _, other := range enabled {
			if other.Pattern.MatchString(r.Replacement) {
				msg := fmt.Sprintf("rule %q's replacement is matched by rule %q; replacements must not trigger other enabled rules", r.Name, other.Name)
				return obserrors.InvalidInput("lint_policy", msg).
					WithMetadata("rule", r.Name).
					WithMetadata("conflicting_rule", other.Name)
			}
		}
	}
	return nil
}
