// Package internal wires the bridge's components into a runnable process.
package internal

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/relay-apps/authbridge/internal/bridgetoken"
	"github.com/relay-apps/authbridge/internal/config"
	"github.com/relay-apps/authbridge/internal/crypto"
	"github.com/relay-apps/authbridge/internal/handoff"
	"github.com/relay-apps/authbridge/internal/identity"
	"github.com/relay-apps/authbridge/internal/idtoken"
	"github.com/relay-apps/authbridge/internal/log"
	"github.com/relay-apps/authbridge/internal/pending"
	"github.com/relay-apps/authbridge/internal/provider"
	"github.com/relay-apps/authbridge/internal/server"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful HTTP shutdown
const shutdownTimeout = 30 * time.Second

// AuthBridge is the assembled application
type AuthBridge struct {
	config     *config.Config
	httpServer *server.HTTPServer
	sweeper    *pending.Sweeper
	firestore  *firestore.Client
}

// NewAuthBridge builds the application from resolved configuration. The
// introspector is the external provider integration; nil leaves the
// completion path answering no_session.
func NewAuthBridge(ctx context.Context, cfg *config.Config, introspector provider.SessionIntrospector) (*AuthBridge, error) {
	bridge := cfg.Bridge

	log.LogInfoWithFields("authbridge", "Building application", map[string]any{
		"baseURL":   bridge.BaseURL,
		"storage":   string(bridge.Storage),
		"providers": len(bridge.Providers),
	})

	tokenKey, err := crypto.DeriveKey([]byte(bridge.SigningSecret), "bridge-token")
	if err != nil {
		return nil, fmt.Errorf("deriving token signing key: %w", err)
	}
	codec := bridgetoken.New(tokenKey, bridge.BridgeTokenTTL.Std())

	verifier := idtoken.NewVerifier(idtoken.NewKeySetCache(nil, idtoken.DefaultKeySetTTL))

	app := &AuthBridge{config: cfg}

	var pendingStore pending.Store
	var identityStore identity.Store
	switch bridge.Storage {
	case config.StorageKindFirestore:
		client, err := newFirestoreClient(ctx, bridge.Firestore)
		if err != nil {
			return nil, fmt.Errorf("creating firestore client: %w", err)
		}
		app.firestore = client

		durable := pending.NewFirestoreStore(client, bridge.Firestore.PendingCollection, bridge.PendingTTL.Std())
		pendingStore = pending.NewFallbackStore(durable, pending.NewMemoryStore(bridge.PendingTTL.Std()))
		identityStore = identity.NewFirestoreStore(client, bridge.Firestore.IdentityCollection)
		app.sweeper = pending.NewSweeper(durable, bridge.SweepInterval.Std())

		log.LogInfoWithFields("authbridge", "Using Firestore storage", map[string]any{
			"project":            bridge.Firestore.ProjectID,
			"pendingCollection":  bridge.Firestore.PendingCollection,
			"identityCollection": bridge.Firestore.IdentityCollection,
		})
	default:
		memory := pending.NewMemoryStore(bridge.PendingTTL.Std())
		pendingStore = memory
		identityStore = identity.NewMemoryStore()
		log.LogInfoWithFields("authbridge", "Using in-memory storage", nil)
	}

	registry := provider.NewRegistry(bridge.BaseURL, bridge.Providers)
	orchestrator := handoff.New(registry, introspector, codec, verifier, pendingStore, identityStore)

	app.httpServer = server.NewHTTPServer(server.NewRouter(bridge, orchestrator), bridge.Addr)
	return app, nil
}

func newFirestoreClient(ctx context.Context, cfg *config.FirestoreConfig) (*firestore.Client, error) {
	if cfg.Database != "" {
		return firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.Database)
	}
	return firestore.NewClient(ctx, cfg.ProjectID)
}

// Run starts the HTTP server and the pending sweeper and blocks until a
// shutdown signal or a server failure.
func (a *AuthBridge) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if a.sweeper != nil {
		a.sweeper.Start(ctx)
	}

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()

	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.firestore != nil {
		if closeErr := a.firestore.Close(); closeErr != nil {
			log.LogWarnWithFields("authbridge", "Closing firestore client failed", map[string]any{
				"error": closeErr.Error(),
			})
		}
	}

	log.LogInfoWithFields("authbridge", "Shutdown complete", nil)
	return err
}
