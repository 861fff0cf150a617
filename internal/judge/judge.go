// Package judge defines the capability boundary for message judgments.
// Callers never build prompts or parse model output themselves; they ask a
// Provider for a verdict and act on the structured result.
package judge

import (
	"context"
	"errors"
)

// Kind selects the judgment a Provider performs.
type Kind string

const (
	KindSecurity       Kind = "security"
	KindClassification Kind = "classification"
	KindInfoValue      Kind = "information_value"
)

// Security verdicts.
const (
	VerdictSafe       = "safe"
	VerdictSuspicious = "suspicious"
	VerdictThreat     = "threat"
)

// Classification verdicts.
const (
	ClassQuestionIdentity = "question_identity"
	ClassQuestionPersonal = "question_personal"
	ClassQuestionGeneral  = "question_general"
	ClassAnswerName       = "answer_name"
	ClassAnswerPersonal   = "answer_personal"
	ClassStatement        = "statement"
	ClassGreeting         = "greeting"
	ClassOther            = "other"
)

// Information value verdicts.
const (
	ValueHigh     = "high"
	ValueModerate = "moderate"
	ValueLow      = "low"
	ValueNone     = "none"
)

// ErrAmbiguous is returned when a judgment could not be resolved to a
// definite verdict. Callers apply their conservative fallback.
var ErrAmbiguous = errors.New("judge: ambiguous verdict")

// Fact is a single durable fact extracted from a message.
type Fact struct {
	Category   string `json:"category"`
	Key        string `json:"key"`
	Value      string `json:"value"`
	Importance string `json:"importance"`
}

// Judgment is the structured result of one judge call.
type Judgment struct {
	Verdict   string `json:"verdict"`
	Facts     []Fact `json:"facts,omitempty"`
	Reasoning string `json:"reasoning"`
}

// Provider evaluates message content. Implementations must be safe for
// concurrent use.
type Provider interface {
	Judge(ctx context.Context, kind Kind, content, conversation string) (*Judgment, error)
}
