package memory

import (
	"regexp"
	"sort"
	"strings"
)

const (
	minRetrievalLimit = 3
	maxRetrievalLimit = 5
)

var (
	enWordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]+`)
	cnWordRegex = regexp.MustCompile(`\p{Han}`)
)

// Affine record categories per message classification. A record in an
// affine category gets a fixed score boost.
var categoryAffinity = map[string][]string{
	"question_identity": {"personal_info"},
	"question_personal": {"personal_info", "relationships", "health"},
	"answer_name":       {"personal_info"},
	"answer_personal":   {"personal_info", "preferences", "health"},
	"greeting":          {"preferences"},
}

// LexicalRetriever ranks records without any model call: token overlap with
// the message, category affinity for the classification, then importance.
// The ranking is a pure function of its inputs.
type LexicalRetriever struct{}

func NewRetriever() *LexicalRetriever {
	return &LexicalRetriever{}
}

func (r *LexicalRetriever) Relevant(records []Record, content, classification string, limit int) []Record {
	if limit < minRetrievalLimit {
		limit = minRetrievalLimit
	}
	if limit > maxRetrievalLimit {
		limit = maxRetrievalLimit
	}
	if len(records) == 0 {
		return nil
	}

	queryTokens := tokenize(content)
	affine := make(map[string]bool)
	for _, c := range categoryAffinity[classification] {
		affine[c] = true
	}

	type scored struct {
		rec   Record
		score float64
	}
	ranked := make([]scored, 0, len(records))
	for _, rec := range records {
		score := float64(overlap(queryTokens, recordTokens(rec)))
		if affine[rec.Category] {
			score += 2
		}
		ranked = append(ranked, scored{rec: rec, score: score})
	}

	anyMatch := false
	for _, s := range ranked {
		if s.score > 0 {
			anyMatch = true
			break
		}
	}
	// Nothing matched the message: fall back to the user's most important
	// recent records rather than returning nothing.
	if anyMatch {
		filtered := ranked[:0]
		for _, s := range ranked {
			if s.score > 0 {
				filtered = append(filtered, s)
			}
		}
		ranked = filtered
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si := ranked[i].score + importanceWeight(ranked[i].rec.Importance)
		sj := ranked[j].score + importanceWeight(ranked[j].rec.Importance)
		if si != sj {
			return si > sj
		}
		if !ranked[i].rec.UpdatedAt.Equal(ranked[j].rec.UpdatedAt) {
			return ranked[i].rec.UpdatedAt.After(ranked[j].rec.UpdatedAt)
		}
		return ranked[i].rec.ID < ranked[j].rec.ID
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Record, len(ranked))
	for i, s := range ranked {
		out[i] = s.rec
	}
	return out
}

// FormatRecords renders retrieved records for a responder prompt.
func FormatRecords(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known facts about this user:\n")
	for _, r := range records {
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("- ")
			b.WriteString(r.Category)
			b.WriteString(".")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(r.Fields[k])
			b.WriteString("\n")
		}
	}
	return b.String()
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range enWordRegex.FindAllString(text, -1) {
		tokens[strings.ToLower(w)] = true
	}
	for _, w := range cnWordRegex.FindAllString(text, -1) {
		tokens[w] = true
	}
	return tokens
}

func recordTokens(r Record) map[string]bool {
	tokens := tokenize(r.Category)
	for k, v := range r.Fields {
		for t := range tokenize(k + " " + v) {
			tokens[t] = true
		}
	}
	return tokens
}

func overlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}
