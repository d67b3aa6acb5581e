// Package chatsync is the conversation synchronization engine.
//
// It merges two independent sources into one ordered timeline: the streamed
// agent replies arriving over the duplex connection, and the history pages
// fetched on demand from the REST collaborator. All state lives in a State
// reducer applied under one lock; socket writes, history fetches and transcript
// persistence run outside the lock and re-enter as events.
package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/connection"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/identity"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
)

// Connector is the part of connection.Manager the engine drives.
type Connector interface {
	Connect(ctx context.Context, creds connection.Credentials) (<-chan protocol.Event, error)
	Send(cmd protocol.Command) error
	Disconnect()
}

var _ Connector = &connection.Manager{}

type Options struct {
	Connection  Connector
	Credentials connection.Credentials
	History     history.Fetcher
	Identity    identity.Resolver

	// Store and Updates are optional.
	Store   chatstore.TranscriptStore
	Updates UpdatePublisher

	// Route carries the navigation-provided session id; SessionID overrides it.
	Route     session.RouteState
	SessionID string

	BatchSize    int
	Debounce     time.Duration
	ModelVersion string

	IdentityAttempts int
	IdentityBackoff  time.Duration

	Now   func() time.Time
	NewID func() string
}

type Engine struct {
	opts Options

	mu      sync.Mutex
	state   *State
	started bool
	closed  bool

	// pending holds updates in version order until publishLoop hands them to
	// opts.Updates; guarded by mu.
	pending []Update
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Connection == nil {
		return nil, errors.New("chatsync: missing connection")
	}
	if opts.History == nil {
		return nil, errors.New("chatsync: missing history fetcher")
	}
	if opts.Identity == nil {
		return nil, errors.New("chatsync: missing identity resolver")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts: opts,
		wake: make(chan struct{}, 1),
		state: NewState(StateConfig{
			BatchSize:    opts.BatchSize,
			Debounce:     opts.Debounce,
			ModelVersion: opts.ModelVersion,
			Route:        opts.Route,
			NewID:        opts.NewID,
		}),
	}, nil
}

// Start connects, resolves the user identity and resumes the routed session, if any.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("chatsync: already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	resumeID := strings.TrimSpace(e.opts.SessionID)
	if resumeID == "" {
		resumeID = e.state.Route().SessionID()
	}
	e.mu.Unlock()

	events, err := e.opts.Connection.Connect(e.ctx, e.opts.Credentials)
	if err != nil {
		e.cancel()
		return errors.Wrap(err, "chatsync: connect")
	}
	if resumeID != "" {
		log.Info().Str("component", "chatsync").Str("session_id", resumeID).Msg("resuming session")
		_ = e.dispatch(ResumeRequested{SessionID: resumeID})
	}

	if e.opts.Updates != nil {
		e.spawn(e.publishLoop)
	}
	e.spawn(func() { e.consume(events) })
	e.spawn(e.resolveIdentity)
	return nil
}

// Close stops every goroutine the engine started and waits for them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.opts.Connection.Disconnect()
	e.wg.Wait()
	return nil
}

// SendMessage submits a user message. The message joins the timeline once the
// frame was written.
func (e *Engine) SendMessage(content string) error {
	return e.dispatch(SendRequested{Content: content})
}

// LoadMoreHistory requests the next-older history page. It is a no-op while a
// load is outstanding or once history is exhausted.
func (e *Engine) LoadMoreHistory() error {
	return e.dispatch(LoadMoreRequested{})
}

// EndSession terminates the active session and starts a fresh one when possible.
func (e *Engine) EndSession() error {
	return e.dispatch(EndRequested{})
}

// ResumeSession attaches to an existing session and loads its latest history.
func (e *Engine) ResumeSession(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("chatsync: empty session id")
	}
	return e.dispatch(ResumeRequested{SessionID: id})
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Snapshot()
}

func (e *Engine) dispatch(ev Event) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	now := e.opts.Now()
	out := e.state.Apply(ev, now)
	if e.opts.Updates != nil && (out.Changed || out.Typing) {
		e.pending = append(e.pending, Update{
			Version:   e.state.Version(),
			SessionID: e.state.SessionID(),
			Mutations: out.Mutations,
			Typing:    out.Typing,
			At:        now,
		})
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()

	if out.Err != nil {
		return out.Err
	}
	return e.execute(out.Effects)
}

func (e *Engine) execute(effects []Effect) error {
	var firstErr error
	for _, eff := range effects {
		switch f := eff.(type) {
		case SendCommand:
			if err := e.send(f.Command); err != nil {
				_ = e.dispatch(OutboundFailed{Command: f.Command.CommandName(), Err: err})
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if f.Then != nil {
				if err := e.dispatch(f.Then); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		case FetchPage:
			e.spawn(func() { e.fetch(f) })
		case Persist:
			e.persist(f)
		}
	}
	return firstErr
}

func (e *Engine) send(cmd protocol.Command) error {
	err := e.opts.Connection.Send(cmd)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("component", "chatsync").Str("command", cmd.CommandName()).Msg("send failed")
	if errors.Is(err, connection.ErrNotConnected) {
		return ErrNotConnected
	}
	return err
}

func (e *Engine) fetch(f FetchPage) {
	ctx := e.context()
	page, err := e.opts.History.FetchPage(ctx, f.Request)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("component", "chatsync").
			Str("session_id", f.Request.SessionID).Int("page", f.Request.Page).
			Msg("history fetch failed")
		_ = e.dispatch(HistoryFailed{Generation: f.Generation, Request: f.Request, Err: err})
		return
	}
	_ = e.dispatch(HistoryLoaded{Generation: f.Generation, Request: f.Request, Page: page})
}

func (e *Engine) persist(p Persist) {
	if e.opts.Store == nil || p.SessionID == "" {
		return
	}
	ctx := e.context()
	if p.Session != nil {
		record := chatstore.SessionRecord{
			SessionID:      p.SessionID,
			UserID:         p.UserID,
			CreatedAtMs:    p.Session.CreatedAt.UnixMilli(),
			LastActivityMs: e.opts.Now().UnixMilli(),
			LastError:      p.LastError,
		}
		if !p.Session.TerminatedAt.IsZero() {
			record.TerminatedAtMs = p.Session.TerminatedAt.UnixMilli()
		}
		if err := e.opts.Store.UpsertSession(ctx, record); err != nil {
			log.Warn().Err(err).Str("component", "chatsync").Str("session_id", p.SessionID).Msg("persist session failed")
		}
	}
	if len(p.Messages) > 0 {
		if err := e.opts.Store.AppendMessages(ctx, p.SessionID, p.Messages); err != nil {
			log.Warn().Err(err).Str("component", "chatsync").Str("session_id", p.SessionID).Msg("persist messages failed")
		}
	}
}

// publishLoop drains pending updates in order. A slow update reader only delays
// this goroutine; dispatch never waits for it.
func (e *Engine) publishLoop() {
	ctx := e.context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			batch := e.pending
			e.pending = nil
			e.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, u := range batch {
				if ctx.Err() != nil {
					return
				}
				if err := e.opts.Updates.PublishUpdate(ctx, u); err != nil {
					log.Warn().Err(err).Str("component", "chatsync").Uint64("version", u.Version).Msg("publish update failed")
				}
			}
		}
	}
}

func (e *Engine) consume(events <-chan protocol.Event) {
	ctx := e.context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Debug().Str("component", "chatsync").Msg("connection event stream closed")
				return
			}
			logInbound(ev)
			_ = e.dispatch(Inbound{Event: ev})
		}
	}
}

func (e *Engine) resolveIdentity() {
	ctx := e.context()
	id, err := identity.ResolveWithRetry(ctx, e.opts.Identity, e.opts.IdentityAttempts, e.opts.IdentityBackoff)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("component", "chatsync").Msg("identity unavailable, sending disabled")
		_ = e.dispatch(IdentityFailed{Err: err})
		return
	}
	log.Info().Str("component", "chatsync").Str("user_id", id).Msg("identity resolved")
	_ = e.dispatch(IdentityResolved{UserID: id})
}

// spawn runs fn on a tracked goroutine unless the engine is closing.
func (e *Engine) spawn(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func logInbound(ev protocol.Event) {
	switch v := ev.(type) {
	case protocol.Disconnected:
		log.Info().Str("component", "chatsync").Str("reason", v.Reason).Msg("disconnected")
	case protocol.ConnectError:
		log.Warn().Str("component", "chatsync").Str("error", v.Message).Msg("connect error")
	case protocol.AgentReply:
		log.Trace().Str("component", "chatsync").Int("bytes", len(v.Chunk)).Msg("agent chunk")
	default:
		log.Debug().Str("component", "chatsync").Str("event", ev.EventName()).Msg("inbound event")
	}
}
