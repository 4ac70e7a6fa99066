package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRulepackNotFound indicates no active rulepack covers the
	// requested jurisdiction, filing type and date. Always fatal to
	// the evaluation call, never defaulted to an empty result.
	ErrRulepackNotFound = errors.New("no active rulepack for jurisdiction/filingType/date")

	// ErrVersionConflict indicates an insert collided with an existing
	// (jurisdiction, filingType, version) entry. The catalog is
	// append-only: callers retry with a new version string.
	ErrVersionConflict = errors.New("rulepack version already registered")
)

// CompileIssue is a single invariant violation found during compilation,
// keyed by the offending rule or calculation id.
type CompileIssue struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// CompileError collects every invariant violation in a document so
// authors can fix it in one pass. Compilation never partially succeeds.
type CompileError struct {
	Issues []CompileIssue `json:"issues"`
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rulepack failed to compile with %d issue(s):", len(e.Issues))
	for _, iss := range e.Issues {
		fmt.Fprintf(&b, " [%s] %s;", iss.ID, iss.Message)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Add appends an issue.
func (e *CompileError) Add(id, format string, args ...any) {
	e.Issues = append(e.Issues, CompileIssue{ID: id, Message: fmt.Sprintf(format, args...)})
}

// HasIssues reports whether any violation was recorded.
func (e *CompileError) HasIssues() bool {
	return len(e.Issues) > 0
}
