package audit

import (
	"strings"

	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
)

// Decision is an operator-issued verdict on the simulated wallet.
type Decision string

const (
	DecisionAuthorize Decision = "authorize"
	DecisionReview    Decision = "review"
	DecisionBlock     Decision = "block"
)

// Decisions lists every accepted decision kind.
var Decisions = []Decision{DecisionAuthorize, DecisionReview, DecisionBlock}

func (d Decision) String() string {
	return string(d)
}

// IsValid reports whether d is one of the known decision kinds.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionAuthorize, DecisionReview, DecisionBlock:
		return true
	default:
		return false
	}
}

// ParseDecision converts operator input into a Decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	if !d.IsValid() {
		return "", errors.NewValidationError(errors.CodeUnknownDecision,
			"decision must be one of authorize, review, block").
			WithDetails(map[string]interface{}{"decision": s})
	}
	return d, nil
}
