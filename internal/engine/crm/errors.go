package crm

import (
	"errors"
	"fmt"
	"strings"
)

// CodeNotFound is the vendor code for a missing record. Some endpoints send an
// empty code with a "Not found" description; the client normalizes those.
const CodeNotFound = "NOT_FOUND"

var (
	ErrNotConfigured = errors.New("crm client is disabled or has no webhook url")
	// ErrBusinessLogic marks failures caused by local state, such as a
	// domain record that vanished between enqueue and dispatch.
	ErrBusinessLogic = errors.New("local prerequisite missing")
)

// APIError is a non-success answer from the CRM.
type APIError struct {
	StatusCode  int
	Body        string
	Method      string
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Code != "" || e.Description != "" {
		return fmt.Sprintf("crm %s: status %d: %s %s", e.Method, e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("crm %s: status %d", e.Method, e.StatusCode)
}

func (e *APIError) NotFound() bool {
	return e.Code == CodeNotFound
}

// IsNotFound reports whether err is a CRM "record not found" answer.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

type Class string

const (
	Permanent     Class = "permanent"
	Transient     Class = "transient"
	BusinessLogic Class = "business_logic"
)

// Rule maps a status range and vendor code to a failure class. Code may be
// exact, a prefix ending in "*", or empty for any code.
type Rule struct {
	MinStatus       int
	MaxStatus       int
	Code            string
	Class           Class
	CredentialAlarm bool
}

func (r Rule) matches(status int, code string) bool {
	if status < r.MinStatus || status > r.MaxStatus {
		return false
	}
	switch {
	case r.Code == "":
		return true
	case strings.HasSuffix(r.Code, "*"):
		return strings.HasPrefix(code, strings.TrimSuffix(r.Code, "*"))
	default:
		return code == r.Code
	}
}

// DefaultRules is evaluated top to bottom; the first match wins and anything
// unmatched is transient.
var DefaultRules = []Rule{
	{MinStatus: 400, MaxStatus: 400, Code: CodeNotFound, Class: Permanent},
	{MinStatus: 400, MaxStatus: 400, Code: "INVALID_*", Class: Permanent},
	{MinStatus: 400, MaxStatus: 400, Code: "ERROR_ARGUMENT", Class: Permanent},
	{MinStatus: 400, MaxStatus: 400, Code: "ERROR_VALIDATION", Class: Permanent},
	{MinStatus: 400, MaxStatus: 400, Code: "VALIDATION_*", Class: Permanent},
	{MinStatus: 400, MaxStatus: 400, Code: "ERROR_REQUIRED_PARAMETERS_MISSING", Class: Permanent},
	{MinStatus: 401, MaxStatus: 401, Class: Permanent, CredentialAlarm: true},
	{MinStatus: 403, MaxStatus: 403, Class: Permanent, CredentialAlarm: true},
	{MinStatus: 0, MaxStatus: 599, Code: "QUERY_LIMIT_EXCEEDED", Class: Transient},
	{MinStatus: 429, MaxStatus: 429, Class: Transient},
	{MinStatus: 500, MaxStatus: 599, Class: Transient},
}

type Verdict struct {
	Class           Class
	CredentialAlarm bool
}

type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(err error) Verdict {
	if errors.Is(err, ErrBusinessLogic) {
		return Verdict{Class: BusinessLogic}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		for _, r := range c.rules {
			if r.matches(apiErr.StatusCode, apiErr.Code) {
				return Verdict{Class: r.Class, CredentialAlarm: r.CredentialAlarm}
			}
		}
		return Verdict{Class: Transient}
	}

	// transport failures, timeouts and anything unexpected
	return Verdict{Class: Transient}
}
