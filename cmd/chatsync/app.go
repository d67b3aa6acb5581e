package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/connection"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/identity"
	"github.com/go-go-golems/chatsync/pkg/logging"
	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
	"github.com/go-go-golems/chatsync/pkg/session"
)

// app wires the engine to its collaborators for one CLI invocation.
type app struct {
	engine *chatsync.Engine
	pubsub *redisstream.PubSub
	store  chatstore.TranscriptStore
	route  *session.MemoryRoute
}

func openStore(c config.Config) (chatstore.TranscriptStore, error) {
	if c.Store.Path == "" {
		return chatstore.NewInMemoryTranscriptStore(c.Store.MaxMessages), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(c.Store.Path)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteTranscriptStore(dsn)
}

func buildApp(c config.Config) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	store, err := openStore(c)
	if err != nil {
		return nil, errors.Wrap(err, "open transcript store")
	}
	ps, err := redisstream.Build(c.Redis, logging.NewWatermill(log.Logger))
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "build update transport")
	}

	route := session.NewMemoryRoute(c.SessionID)
	engine, err := chatsync.New(chatsync.Options{
		Connection:       connection.NewManager(c.ConnectionOptions()),
		Credentials:      connection.Credentials{Token: c.Token},
		History:          history.NewClient(c.APIBaseURL, history.WithTimeout(c.History.Timeout.Std()), history.WithAuthToken(c.Token)),
		Identity:         identity.NewClient(c.APIBaseURL, c.Token, c.Identity.Timeout.Std()),
		Store:            store,
		Updates:          chatsync.NewWatermillUpdatePublisher(ps.Publisher, chatsync.DefaultUpdatesTopic),
		Route:            route,
		BatchSize:        c.History.BatchSize,
		Debounce:         c.Session.CreateDebounce.Std(),
		ModelVersion:     c.ModelVersion,
		IdentityAttempts: c.Identity.Attempts,
		IdentityBackoff:  c.Identity.Backoff.Std(),
	})
	if err != nil {
		_ = ps.Close()
		_ = store.Close()
		return nil, err
	}
	return &app{engine: engine, pubsub: ps, store: store, route: route}, nil
}

// subscribe must run before Start so no update is missed.
func (a *app) subscribe(ctx context.Context, c config.Config) (<-chan chatsync.Update, error) {
	if c.Redis.Enabled {
		if err := redisstream.EnsureGroupAtTail(ctx, c.Redis.Addr, chatsync.DefaultUpdatesTopic, c.Redis.Group); err != nil {
			return nil, err
		}
	}
	return chatsync.SubscribeUpdates(ctx, a.pubsub.Subscriber, chatsync.DefaultUpdatesTopic)
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("engine close failed")
	}
	if err := a.pubsub.Close(); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("update transport close failed")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("transcript store close failed")
	}
}

// waitForSignal returns when ctx is done or an interrupt arrives; cancel is
// called in the latter case.
func waitForSignal(ctx context.Context, cancel context.CancelFunc) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
		log.Info().Str("component", "cli").Msg("received interrupt signal, shutting down")
		cancel()
	case <-ctx.Done():
	}
	return nil
}
