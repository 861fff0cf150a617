package decision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/veloraco/chaperone/internal/config"
	"github.com/veloraco/chaperone/internal/judge"
	"github.com/veloraco/chaperone/internal/memory"
)

// Actions an engine decision can take.
const (
	ActionReply = "reply"
	ActionHold  = "hold"
	ActionFlag  = "flag"
)

// TraceStep records one state transition of a decision.
type TraceStep struct {
	Stage     string `json:"stage"`
	Outcome   string `json:"outcome"`
	Reasoning string `json:"reasoning"`
}

// Result is the outcome of processing one message. Trace is populated on
// every path, including failures.
type Result struct {
	Action         string
	Flagged        bool
	Classification string
	InfoValue      string
	RecordIDs      []string
	Overrode       bool
	RetrievedFacts []memory.Record
	Trace          []TraceStep
}

func (r *Result) step(stage, outcome, reasoning string) {
	r.Trace = append(r.Trace, TraceStep{Stage: stage, Outcome: outcome, Reasoning: reasoning})
}

// FactStore is the slice of the memory store the engine writes through.
type FactStore interface {
	ConsiderFact(ctx context.Context, platform, userID string, fact memory.Fact) (string, memory.WriteOutcome, error)
	Records(ctx context.Context, platform, userID string) ([]memory.Record, error)
}

// Retriever ranks stored records against an outgoing reply.
type Retriever interface {
	Relevant(records []memory.Record, content, classification string, limit int) []memory.Record
}

// Engine is the per-message decision state machine: security screen,
// classification, information value and memory write, participation control,
// then retrieval for the reply handoff.
type Engine struct {
	judge     judge.Provider
	cache     *Cache
	tracker   *Tracker
	store     FactStore
	retriever Retriever
	settings  *config.SettingsStore
}

func NewEngine(p judge.Provider, cache *Cache, tracker *Tracker, store FactStore, retriever Retriever, settings *config.SettingsStore) *Engine {
	return &Engine{
		judge:     p,
		cache:     cache,
		tracker:   tracker,
		store:     store,
		retriever: retriever,
		settings:  settings,
	}
}

// Process runs the state machine for one message. The returned error is
// reserved for invariant violations; judge and store failures degrade into
// conservative outcomes recorded in the trace.
func (e *Engine) Process(ctx context.Context, msg Message, convo *Context) (*Result, error) {
	if msg.Platform == "" || msg.SenderID == "" || msg.ConversationID == "" {
		return nil, fmt.Errorf("message missing platform, sender or conversation id")
	}

	snap := e.settings.Snapshot()
	result := &Result{Action: ActionHold}
	rendered := convo.Render()
	// Scoped kinds key the cache by conversation context as well as content;
	// unscoped kinds share one entry for identical text across conversations.
	scoped := Fingerprint(msg.Content, rendered)
	unscoped := Fingerprint(msg.Content, "")
	fingerprint := func(conversationScoped bool) string {
		if conversationScoped {
			return scoped
		}
		return unscoped
	}

	// Count the inbound message toward the participation window before any
	// reply decision is made for it.
	e.tracker.Record(msg.ConversationID, false, snap.ParticipationWindow)

	// Stage 1: security screen.
	security, cached, err := e.cache.Do(ctx, judge.KindSecurity, fingerprint(snap.SecurityScoped), snap.SecurityTTL,
		func(ctx context.Context) (*judge.Judgment, error) {
			return e.judge.Judge(ctx, judge.KindSecurity, msg.Content, rendered)
		})
	suspicious := false
	switch {
	case err != nil && snap.AllowOnAmbiguous:
		result.step("security", "ambiguous_allowed", fmt.Sprintf("judge failed (%v), policy allows proceeding", err))
	case err != nil:
		result.Action = ActionFlag
		result.Flagged = true
		result.step("security", "ambiguous_flagged", fmt.Sprintf("judge failed (%v), conservative fallback", err))
		return result, nil
	case security.Verdict == judge.VerdictThreat:
		result.Action = ActionFlag
		result.Flagged = true
		result.step("security", "threat", security.Reasoning)
		return result, nil
	case security.Verdict == judge.VerdictSuspicious:
		suspicious = true
		result.step("security", "suspicious", security.Reasoning+cachedNote(cached))
	default:
		result.step("security", "safe", security.Reasoning+cachedNote(cached))
	}

	// Stage 2: classification.
	classification, cached, err := e.cache.Do(ctx, judge.KindClassification, fingerprint(snap.ClassificationScoped), snap.ClassificationTTL,
		func(ctx context.Context) (*judge.Judgment, error) {
			return e.judge.Judge(ctx, judge.KindClassification, msg.Content, rendered)
		})
	if err != nil {
		result.Classification = judge.ClassOther
		result.step("classification", judge.ClassOther, fmt.Sprintf("judge failed (%v), fallback classification", err))
	} else {
		result.Classification = classification.Verdict
		result.step("classification", classification.Verdict, classification.Reasoning+cachedNote(cached))
	}

	// Stage 3: information value and memory write.
	infoValue, cached, err := e.cache.Do(ctx, judge.KindInfoValue, fingerprint(snap.InfoValueScoped), snap.InfoValueTTL,
		func(ctx context.Context) (*judge.Judgment, error) {
			return e.judge.Judge(ctx, judge.KindInfoValue, msg.Content, rendered)
		})
	if err != nil {
		result.InfoValue = judge.ValueNone
		result.step("info_value", judge.ValueNone, fmt.Sprintf("judge failed (%v), nothing saved", err))
	} else {
		result.InfoValue = infoValue.Verdict
		result.step("info_value", infoValue.Verdict, infoValue.Reasoning+cachedNote(cached))
		if worthSaving(infoValue.Verdict) && !suspicious {
			e.saveFacts(ctx, msg, infoValue.Facts, result)
		} else if worthSaving(infoValue.Verdict) && suspicious {
			result.step("memory", "skipped", "facts not saved from a suspicious message")
		}
	}

	// Stage 4: participation control.
	highValue := result.InfoValue == judge.ValueHigh
	switch {
	case msg.MentionsSelf && snap.OverrideOnDirectMention:
		result.Overrode = true
		result.step("participation", "overridden", "direct mention overrides the participation guard")
	case highValue && snap.OverrideOnHighValueInfo:
		result.Overrode = true
		result.step("participation", "overridden", "high-value information overrides the participation guard")
	case !snap.ParticipationEnabled:
		result.step("participation", "disabled", "participation control is disabled")
	default:
		allowed, ratio := e.tracker.Allowed(msg.ConversationID, msg.IsDirect,
			snap.ParticipationWindow, snap.GroupThreshold, snap.DMThreshold)
		if !allowed {
			result.step("participation", "held", fmt.Sprintf("prospective ratio %.2f exceeds threshold", ratio))
			return result, nil
		}
		result.step("participation", "allowed", fmt.Sprintf("prospective ratio %.2f within threshold", ratio))
	}

	// Stage 5: retrieval for the reply handoff.
	result.Action = ActionReply
	records, err := e.store.Records(ctx, msg.Platform, msg.SenderID)
	if err != nil {
		log.Warn().Err(err).Str("platform", msg.Platform).Str("user", msg.SenderID).
			Msg("memory read failed, replying without retrieved facts")
		result.step("retrieval", "failed", fmt.Sprintf("store read failed (%v), replying without facts", err))
		return result, nil
	}
	result.RetrievedFacts = e.retriever.Relevant(records, msg.Content, result.Classification, snap.RetrievalLimit)
	result.step("retrieval", "done", fmt.Sprintf("%d facts retrieved", len(result.RetrievedFacts)))
	return result, nil
}

// RecordReply counts a sent reply toward the conversation's window.
func (e *Engine) RecordReply(conversationID string) {
	snap := e.settings.Snapshot()
	e.tracker.Record(conversationID, true, snap.ParticipationWindow)
}

func (e *Engine) saveFacts(ctx context.Context, msg Message, facts []judge.Fact, result *Result) {
	for _, f := range facts {
		id, outcome, err := e.store.ConsiderFact(ctx, msg.Platform, msg.SenderID, memory.Fact{
			Category:      f.Category,
			Key:           f.Key,
			Value:         f.Value,
			Importance:    f.Importance,
			SourceExcerpt: msg.Content,
		})
		if err != nil {
			log.Warn().Err(err).Str("platform", msg.Platform).Str("user", msg.SenderID).
				Msg("memory write failed, decision continues")
			result.step("memory", "write_failed", fmt.Sprintf("store write failed (%v)", err))
			continue
		}
		switch outcome {
		case memory.WriteRejected:
			result.step("memory", "rejected", fmt.Sprintf("%s/%s already known", f.Category, f.Key))
		case memory.WriteConsolidated:
			result.RecordIDs = append(result.RecordIDs, id)
			result.step("memory", "consolidated", fmt.Sprintf("%s/%s updated", f.Category, f.Key))
		default:
			result.RecordIDs = append(result.RecordIDs, id)
			result.step("memory", "saved", fmt.Sprintf("%s/%s stored", f.Category, f.Key))
		}
	}
}

func worthSaving(verdict string) bool {
	return verdict == judge.ValueHigh || verdict == judge.ValueModerate
}

func cachedNote(cached bool) string {
	if cached {
		return " (cached)"
	}
	return ""
}
