// Package gateway wires the channel adapters, the decision engine, the
// memory store and the responder into one running process.
package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/veloraco/chaperone/internal/bus"
	"github.com/veloraco/chaperone/internal/channel"
	"github.com/veloraco/chaperone/internal/config"
	"github.com/veloraco/chaperone/internal/cron"
	"github.com/veloraco/chaperone/internal/decision"
	"github.com/veloraco/chaperone/internal/judge"
	"github.com/veloraco/chaperone/internal/memory"
	"github.com/veloraco/chaperone/internal/respond"
)

// Options for creating a Gateway, with injection points for testing.
type Options struct {
	Judge      judge.Provider
	Responder  respond.Responder
	SignalChan chan os.Signal
}

type Gateway struct {
	cfg       *config.Config
	settings  *config.SettingsStore
	bus       *bus.MessageBus
	store     *memory.Store
	engine    *decision.Engine
	responder respond.Responder
	channels  *channel.ChannelManager
	cron      *cron.Service

	mu      sync.Mutex
	workers map[string]*worker

	signalChan chan os.Signal
}

// worker serializes processing for one conversation and owns its context
// window. Messages for different conversations run fully in parallel.
type worker struct {
	inbox chan bus.InboundMessage
	convo *decision.Context
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		workers:    make(map[string]*worker),
		signalChan: opts.SignalChan,
	}

	settings, err := config.BuildSettings(cfg)
	if err != nil {
		return nil, fmt.Errorf("build settings: %w", err)
	}
	g.settings = config.NewSettingsStore(settings, config.ConfigPath())

	g.bus = bus.NewMessageBus(cfg.Gateway.BufSize)

	synonyms, err := memory.LoadSynonyms(cfg.Memory.SynonymsPath)
	if err != nil {
		return nil, fmt.Errorf("load synonyms: %w", err)
	}

	dbPath := strings.TrimSpace(cfg.Memory.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "memory.db")
	}
	store, err := memory.NewStore(dbPath, cfg.Memory.Capacity, synonyms)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	g.store = store
	// Reloaded capacity reaches the store without a restart.
	g.settings.Subscribe(func(next *config.Settings) {
		store.SetCapacity(next.MemoryCapacity)
	})

	// Judgments come from the configured model when an API key is present,
	// otherwise from the built-in rule tables.
	provider := opts.Judge
	if provider == nil {
		if cfg.Provider.APIKey != "" {
			provider = judge.NewLLMJudge(cfg.Provider)
		} else {
			provider = judge.NewRuleJudge()
		}
	}

	g.engine = decision.NewEngine(provider, decision.NewCache(), decision.NewTracker(),
		store, &memory.LexicalRetriever{}, g.settings)

	g.responder = opts.Responder
	if g.responder == nil {
		g.responder = respond.NewLLMResponder(cfg.Provider, cfg.Responder)
	}

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.cron = cron.NewService()
	if err := g.cron.Register("memory-sweep", cfg.Gateway.SweepSpec, g.store.Sweep); err != nil {
		_ = store.Close()
		return nil, err
	}

	return g, nil
}

// Run starts the gateway and blocks until the context is cancelled or a
// termination signal arrives.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	g.cron.Start()

	if err := g.settings.Watch(); err != nil {
		log.Warn().Err(err).Msg("settings watch unavailable, hot reload disabled")
	}

	go g.processLoop(ctx)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	return g.Shutdown()
}

// processLoop fans inbound messages out to per-conversation workers so
// arrival order is preserved within a conversation.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.workerFor(ctx, msg.SessionKey()).inbox <- msg
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) workerFor(ctx context.Context, key string) *worker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.workers[key]; ok {
		return w
	}
	w := &worker{
		inbox: make(chan bus.InboundMessage, g.cfg.Gateway.BufSize),
		convo: decision.NewContext(g.settings.Snapshot().ContextSize),
	}
	g.workers[key] = w
	go g.workerLoop(ctx, w)
	return w
}

func (g *Gateway) workerLoop(ctx context.Context, w *worker) {
	for {
		select {
		case msg := <-w.inbox:
			g.handleMessage(ctx, msg, w.convo)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg bus.InboundMessage, convo *decision.Context) {
	dm := decision.Message{
		ID:             fmt.Sprintf("%s:%d", msg.SessionKey(), msg.Timestamp.UnixNano()),
		Platform:       msg.Channel,
		ConversationID: msg.SessionKey(),
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		IsDirect:       msg.IsDirect,
		MentionsSelf:   msg.MentionsSelf,
	}

	result, err := g.engine.Process(ctx, dm, convo)
	convo.Add(dm)
	if err != nil {
		log.Error().Err(err).Str("conversation", dm.ConversationID).Msg("decision failed")
		return
	}

	logDecision(dm, result)

	switch result.Action {
	case decision.ActionHold:
		return
	case decision.ActionFlag:
		// Flagged messages get a deflection, never a normal reply.
		g.reply(ctx, msg, convo, result)
	case decision.ActionReply:
		g.reply(ctx, msg, convo, result)
	}
}

func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, convo *decision.Context, result *decision.Result) {
	text, err := g.responder.Respond(ctx, respond.Handoff{
		Message:        msg.Content,
		SenderName:     msg.SenderName,
		Classification: result.Classification,
		Conversation:   convo.Render(),
		RetrievedFacts: result.RetrievedFacts,
		Flagged:        result.Flagged,
	})
	if err != nil {
		log.Error().Err(err).Str("conversation", msg.SessionKey()).Msg("responder failed")
		return
	}
	if text == "" {
		return
	}

	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	}
	g.engine.RecordReply(msg.SessionKey())
	convo.Add(decision.Message{
		Platform:       msg.Channel,
		ConversationID: msg.SessionKey(),
		SenderID:       "self",
		SenderName:     "me",
		Content:        text,
	})
}

func logDecision(msg decision.Message, result *decision.Result) {
	ev := log.Info().
		Str("conversation", msg.ConversationID).
		Str("sender", msg.SenderID).
		Str("action", result.Action).
		Str("classification", result.Classification).
		Str("info_value", result.InfoValue)
	if result.Overrode {
		ev = ev.Bool("overrode", true)
	}
	steps := make([]string, len(result.Trace))
	for i, s := range result.Trace {
		steps[i] = s.Stage + "=" + s.Outcome
	}
	ev.Strs("trace", steps).Msg("decision")
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.settings.Close()
	_ = g.channels.StopAll()
	if err := g.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close memory store")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
