package security

import (
	"errors"
	"fmt"
	"testing"

	"obscore/pkg/types"
)

func TestSanitize_EmailScenario(t *testing.T) {
	s := NewSanitizer(nil)
	out := s.Sanitize(map[string]interface{}{"email": "john.doe@company.com"})
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map result, got %T", out)
	}
	if m["email"] != "***@***.***" {
		t.Errorf("email = %v, want masked by the email rule", m["email"])
	}
}

func TestSanitizeEmail_FieldHelper(t *testing.T) {
	got := SanitizeEmail("john.doe@company.com")
	want := "j***e@c***.com"
	if got != want {
		t.Errorf("SanitizeEmail = %q, want %q", got, want)
	}
}

func TestSanitize_IdempotentOnStrings(t *testing.T) {
	s := NewSanitizer(nil)
	rules := s.Policy().AllRules()
	inputs := []string{
		"contact john.doe@company.com or call 555-123-4567",
		"password=hunter2 and api_key=abcdefghijklmnopqrstuvwxyz012345",
		"ssn 123-45-6789 card 4111-1111-1111-1111",
	}
	for _, in := range inputs {
		once := sanitizeString(in, &types.MaskingPolicy{Rules: rules, MaxDepth: 50, Enabled: true})
		twice := sanitizeString(once, &types.MaskingPolicy{Rules: rules, MaxDepth: 50, Enabled: true})
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestSanitize_DevelopmentModeIsIdentity(t *testing.T) {
	s := NewSanitizer(NewDefaultPolicy(types.ModeDevelopment))
	in := map[string]interface{}{"email": "a@b.com", "password": "secret"}
	out := s.Sanitize(in)
	m := out.(map[string]interface{})
	if m["email"] != "a@b.com" || m["password"] != "secret" {
		t.Errorf("development mode mutated input: %v", m)
	}
}

func TestSanitize_DisabledPolicyIsIdentity(t *testing.T) {
	p := NewDefaultPolicy(types.ModeProduction)
	p.Enabled = false
	s := NewSanitizer(p)
	in := "email me at a@b.com"
	if got := s.Sanitize(in); got != in {
		t.Errorf("disabled policy changed value: %v", got)
	}
}

type cyclicNode struct {
	Name string
	Next *cyclicNode
}

func TestSanitize_CycleTerminates(t *testing.T) {
	s := NewSanitizer(nil)
	a := &cyclicNode{Name: "a"}
	b := &cyclicNode{Name: "b", Next: a}
	a.Next = b

	out := s.Sanitize(a)
	if out == nil {
		t.Fatal("expected non-nil result for cyclic structure")
	}
}

func TestSanitize_MapCycleYieldsMarker(t *testing.T) {
	s := NewSanitizer(nil)
	m := map[string]interface{}{}
	m["self"] = m
	out := s.Sanitize(m).(map[string]interface{})
	if out["self"] != "[CIRCULAR]" {
		t.Errorf("self = %v, want [CIRCULAR]", out["self"])
	}
}

func TestSanitize_DepthLimit(t *testing.T) {
	type rec struct {
		Next map[string]interface{}
	}
	p := NewDefaultPolicy(types.ModeProduction)
	p.MaxDepth = 3
	s := NewSanitizer(p)

	deep := map[string]interface{}{"password": "leaf"}
	for i := 0; i < 10; i++ {
		deep = map[string]interface{}{"nested": deep}
	}
	out := s.Sanitize(deep)
	if !containsMarker(out, "[MAX_DEPTH_EXCEEDED]") {
		t.Errorf("expected depth marker somewhere in %v", out)
	}
}

func containsMarker(v interface{}, marker string) bool {
	switch x := v.(type) {
	case string:
		return x == marker
	case map[string]interface{}:
		for _, val := range x {
			if containsMarker(val, marker) {
				return true
			}
		}
	case []interface{}:
		for _, val := range x {
			if containsMarker(val, marker) {
				return true
			}
		}
	}
	return false
}

func TestSanitize_SensitiveFieldNameMasksWholeValue(t *testing.T) {
	s := NewSanitizer(nil)
	out := s.Sanitize(map[string]interface{}{"password": "hunter22"}).(map[string]interface{})
	if out["password"] == "hunter22" {
		t.Error("sensitive field value was not masked")
	}
}

func TestSanitize_ByteSlicesBecomeMarker(t *testing.T) {
	s := NewSanitizer(nil)
	out := s.Sanitize(map[string]interface{}{"payload": []byte("binary stuff")}).(map[string]interface{})
	if out["payload"] != "[Binary Data]" {
		t.Errorf("payload = %v, want [Binary Data]", out["payload"])
	}
}

func TestSanitize_StructGetsTypeTag(t *testing.T) {
	type Profile struct {
		Name  string
		Email string
	}
	s := NewSanitizer(nil)
	out := s.Sanitize(Profile{Name: "Jo", Email: "jo@example.com"}).(map[string]interface{})
	if out["__type"] != "Profile" {
		t.Errorf("__type = %v, want Profile", out["__type"])
	}
	if out["Email"] != "***@***.***" {
		t.Errorf("Email = %v, want masked", out["Email"])
	}
}

func TestSanitize_WrappedErrorProducesShape(t *testing.T) {
	s := NewSanitizer(nil)
	err := fmt.Errorf("auth failed for %w", errors.New("a@b.com"))
	out := s.Sanitize(err).(map[string]interface{})
	if out["message"] != "auth failed for ***@***.***" {
		t.Errorf("message = %v", out["message"])
	}
	if out["name"] == "" {
		t.Error("expected a non-empty error type name")
	}
}

func TestSanitize_StdlibErrorsCovered(t *testing.T) {
	s := NewSanitizer(nil)
	out := s.Sanitize(errors.New("plain failure"))
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map for error value, got %T", out)
	}
	if m["message"] != "plain failure" {
		t.Errorf("message = %v", m["message"])
	}
}

func TestContainsPII_DetectsWithoutMutating(t *testing.T) {
	s := NewSanitizer(nil)
	in := map[string]interface{}{"note": "reach me at a@b.com"}
	if !s.ContainsPII(in) {
		t.Error("expected ContainsPII to detect the email")
	}
	if in["note"] != "reach me at a@b.com" {
		t.Error("ContainsPII must not mutate its input")
	}
}

func TestContainsPII_FalseForCleanValue(t *testing.T) {
	s := NewSanitizer(nil)
	if s.ContainsPII(map[string]interface{}{"count": 3}) {
		t.Error("expected no PII for a plain numeric field")
	}
}

func TestLintPolicy_RejectsSelfMatchingReplacement(t *testing.T) {
	p := &types.MaskingPolicy{
		Enabled:  true,
		MaxDepth: 50,
		Rules: []types.MaskingRule{
			newLiteralRule("password", "password", "[PASSWORD_REDACTED]", ""),
		},
	}
	if err := LintPolicy(p); err == nil {
		t.Error("expected lint failure for a self-matching replacement")
	}
}

func TestLintPolicy_AcceptsDefaultPolicy(t *testing.T) {
	if err := LintPolicy(NewDefaultPolicy(types.ModeProduction)); err != nil {
		t.Errorf("default policy failed lint: %v", err)
	}
}

func TestSanitizer_AddRuleRejectsConflicting(t *testing.T) {
	s := NewSanitizer(nil)
	bad := NewCustomLiteralRule("bad", "token", "password")
	if err := s.AddRule(bad); err == nil {
		t.Error("expected AddRule to reject a rule whose replacement re-triggers the password rule")
	}
}

func TestSanitizer_ToggleAndRemoveRule(t *testing.T) {
	s := NewSanitizer(nil)
	if !s.ToggleRule("ipv4", true) {
		t.Fatal("expected to find built-in ipv4 rule")
	}
	out := s.Sanitize("from 10.0.0.1").(string)
	if out == "from 10.0.0.1" {
		t.Error("expected ipv4 rule to be active after ToggleRule")
	}

	s.RemoveRule("ipv4")
	out2 := s.Sanitize("from 10.0.0.1").(string)
	if out2 != "from 10.0.0.1" {
		t.Errorf("expected ipv4 rule removed, got %q", out2)
	}
}

func TestSanitizePhone_KeepsLastFour(t *testing.T) {
	if got := SanitizePhone("+1 (555) 123-4567"); got != "***-***-4567" {
		t.Errorf("SanitizePhone = %q", got)
	}
}

func TestSanitizeCreditCard_KeepsLastFour(t *testing.T) {
	if got := SanitizeCreditCard("4111 1111 1111 1234"); got != "****-****-****-1234" {
		t.Errorf("SanitizeCreditCard = %q", got)
	}
}
