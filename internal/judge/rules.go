package judge

import (
	"context"
	"regexp"
	"strings"
)

// RuleJudge is a deterministic Provider built from pattern tables. It backs
// the LLM provider when no API key is configured and serves as the test
// double for the decision pipeline.
type RuleJudge struct{}

func NewRuleJudge() *RuleJudge {
	return &RuleJudge{}
}

var threatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore\b.{0,30}\b(instructions?|rules?|guidelines?)\b`),
	regexp.MustCompile(`(?i)\bdisregard\b.{0,30}\b(instructions?|rules?)\b`),
	regexp.MustCompile(`(?i)\bsystem prompt\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)\bdeveloper mode\b`),
	regexp.MustCompile(`(?i)\bpretend (you are|to be)\b`),
	regexp.MustCompile(`(?i)\b(api key|password|access token|credentials)\b`),
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(wire transfer|gift card|bitcoin wallet|seed phrase)\b`),
	regexp.MustCompile(`(?i)\bsend me (money|cash)\b`),
}

type factPattern struct {
	re         *regexp.Regexp
	category   string
	key        string
	importance string
	group      int
}

var factPatterns = []factPattern{
	{regexp.MustCompile(`(?i)\bmy name(?:'s| is) (\w+)`), "personal_info", "name", "high", 1},
	{regexp.MustCompile(`(?i)\bcall me (\w+)`), "personal_info", "name", "high", 1},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) (\d{1,2}) ?(?:years? old)?\b`), "personal_info", "age", "medium", 1},
	{regexp.MustCompile(`(?i)\bi live in ([A-Za-z][\w ]*)`), "personal_info", "location", "medium", 1},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) from ([A-Za-z][\w ]*)`), "personal_info", "origin", "medium", 1},
	{regexp.MustCompile(`(?i)\bi work (?:as an? |as |at )([\w ]+)`), "professional", "occupation", "medium", 1},
	{regexp.MustCompile(`(?i)\bmy job is ([\w ]+)`), "professional", "occupation", "medium", 1},
	{regexp.MustCompile(`(?i)\bi (?:really )?(?:like|love|enjoy|prefer) ([\w ]+)`), "preferences", "likes", "low", 1},
	{regexp.MustCompile(`(?i)\bi (?:hate|dislike|can't stand) ([\w ]+)`), "preferences", "dislikes", "low", 1},
	{regexp.MustCompile(`(?i)\ballergic to ([\w ]+)`), "health", "allergy", "high", 1},
	{regexp.MustCompile(`(?i)\bi have (asthma|diabetes|adhd|anxiety|depression|insomnia|migraines?)\b`), "health", "condition", "high", 1},
	{regexp.MustCompile(`(?i)\bmy (wife|husband|girlfriend|boyfriend|partner|mother|father|mom|dad|sister|brother|son|daughter)(?:'s name)? is (\w+)`), "relationships", "", "high", 2},
	{regexp.MustCompile(`(?i)\bmy goal is to ([\w ]+)`), "goals", "goal", "medium", 1},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) (?:trying|planning) to ([\w ]+)`), "goals", "goal", "medium", 1},
}

var transientMoodPattern = regexp.MustCompile(`(?i)\bi(?:'m| am) (tired|bored|hungry|sleepy|busy|fine|okay|ok|good)\b`)

var greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hey|hello|yo|good (morning|afternoon|evening)|bye|goodbye|good night)[\s!.,]*$`)

var identityQuestionPattern = regexp.MustCompile(`(?i)\b(who are you|what are you|are you (a )?(bot|robot|ai|human|real))\b`)

var personalQuestionPattern = regexp.MustCompile(`(?i)\b(your name|how old are you|where (do you|are you)|what do you do|are you single)\b`)

func (r *RuleJudge) Judge(_ context.Context, kind Kind, content, _ string) (*Judgment, error) {
	switch kind {
	case KindSecurity:
		return r.judgeSecurity(content), nil
	case KindClassification:
		return r.judgeClassification(content), nil
	case KindInfoValue:
		return r.judgeInfoValue(content), nil
	}
	return nil, ErrAmbiguous
}

func (r *RuleJudge) judgeSecurity(content string) *Judgment {
	for _, p := range threatPatterns {
		if p.MatchString(content) {
			return &Judgment{Verdict: VerdictThreat, Reasoning: "matched threat pattern " + p.String()}
		}
	}
	for _, p := range suspiciousPatterns {
		if p.MatchString(content) {
			return &Judgment{Verdict: VerdictSuspicious, Reasoning: "matched suspicious pattern " + p.String()}
		}
	}
	return &Judgment{Verdict: VerdictSafe, Reasoning: "no threat pattern matched"}
}

func (r *RuleJudge) judgeClassification(content string) *Judgment {
	trimmed := strings.TrimSpace(content)
	switch {
	case greetingPattern.MatchString(trimmed):
		return &Judgment{Verdict: ClassGreeting, Reasoning: "greeting phrase"}
	case identityQuestionPattern.MatchString(trimmed):
		return &Judgment{Verdict: ClassQuestionIdentity, Reasoning: "asks about the bot's identity"}
	case personalQuestionPattern.MatchString(trimmed):
		return &Judgment{Verdict: ClassQuestionPersonal, Reasoning: "asks for personal details"}
	case strings.HasSuffix(trimmed, "?"):
		return &Judgment{Verdict: ClassQuestionGeneral, Reasoning: "ends with a question mark"}
	}

	facts := extractFacts(trimmed)
	switch {
	case hasKey(facts, "name"):
		return &Judgment{Verdict: ClassAnswerName, Reasoning: "states the sender's name"}
	case len(facts) > 0:
		return &Judgment{Verdict: ClassAnswerPersonal, Reasoning: "shares personal details"}
	case len(strings.Fields(trimmed)) >= 3:
		return &Judgment{Verdict: ClassStatement, Reasoning: "declarative with no personal content"}
	}
	return &Judgment{Verdict: ClassOther, Reasoning: "short acknowledgement"}
}

func (r *RuleJudge) judgeInfoValue(content string) *Judgment {
	facts := extractFacts(content)
	switch {
	case hasImportance(facts, "high"):
		return &Judgment{Verdict: ValueHigh, Facts: facts, Reasoning: "contains identity or health facts"}
	case len(facts) > 0:
		return &Judgment{Verdict: ValueModerate, Facts: facts, Reasoning: "contains durable personal facts"}
	case transientMoodPattern.MatchString(content):
		return &Judgment{Verdict: ValueLow, Reasoning: "transient mood, nothing durable"}
	}
	return &Judgment{Verdict: ValueNone, Reasoning: "no personal facts found"}
}

func extractFacts(content string) []Fact {
	var facts []Fact
	for _, p := range factPatterns {
		m := p.re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		key := p.key
		if key == "" {
			key = strings.ToLower(m[1]) // relation name becomes the key
		}
		value := cleanValue(m[p.group])
		if value == "" {
			continue
		}
		facts = append(facts, Fact{
			Category:   p.category,
			Key:        key,
			Value:      value,
			Importance: p.importance,
		})
	}
	return facts
}

// cleanValue trims a captured value at the first clause boundary.
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	for _, sep := range []string{" and ", " but ", " because ", ",", "."} {
		if i := strings.Index(strings.ToLower(v), sep); i > 0 {
			v = v[:i]
		}
	}
	return strings.TrimRight(strings.TrimSpace(v), ".,!?")
}

func hasKey(facts []Fact, key string) bool {
	for _, f := range facts {
		if f.Key == key {
			return true
		}
	}
	return false
}

func hasImportance(facts []Fact, importance string) bool {
	for _, f := range facts {
		if f.Importance == importance {
			return true
		}
	}
	return false
}
