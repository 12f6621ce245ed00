package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/macjediwizard/calmirror/internal/auth"
	"github.com/macjediwizard/calmirror/internal/config"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/gateway"
	"github.com/macjediwizard/calmirror/internal/reconcile"
	"github.com/macjediwizard/calmirror/internal/state"
	"google.golang.org/api/option"
)

const (
	pushMaxAttempts = 5
	pushRetryBase   = time.Minute
	pushRetryMax    = time.Hour
)

var errIssuerRequired = errors.New("OIDC_ISSUER is required for CalDAV with OAuth2")

// app holds the components every networked command needs.
type app struct {
	store   *db.DB
	state   *state.State
	authn   auth.Authenticator
	gateway gateway.Gateway
	engine  *reconcile.Engine
}

// openApp opens the local store and token state and connects the remote
// gateway. Nothing here contacts the remote provider except OIDC discovery.
func (c *cli) openApp(ctx context.Context) (*app, error) {
	store, err := db.New(c.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	st, err := state.LoadAt(c.cfg.Database.StatePath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open state: %w", err)
	}

	authn, gw, err := c.connect(ctx, st)
	if err != nil {
		st.Close()
		store.Close()
		return nil, err
	}

	limited := gateway.NewLimited(gw, c.cfg.Remote.RPS, c.cfg.Remote.Burst, c.cfg.Remote.Timeout)
	engine := reconcile.New(store, limited, authn, reconcile.Config{
		Concurrency: c.cfg.Sync.Concurrency,
		MaxAttempts: pushMaxAttempts,
		RetryBase:   pushRetryBase,
		RetryMax:    pushRetryMax,
	}, c.logger)

	return &app{
		store:   store,
		state:   st,
		authn:   authn,
		gateway: limited,
		engine:  engine,
	}, nil
}

// Close releases the store and token state.
func (a *app) Close() error {
	return errors.Join(a.state.Close(), a.store.Close())
}

// connect builds the authenticator and gateway for the configured provider.
func (c *cli) connect(ctx context.Context, st *state.State) (auth.Authenticator, gateway.Gateway, error) {
	cfg := c.cfg

	switch cfg.Remote.Provider {
	case config.ProviderGoogle:
		ta, err := c.tokenAuthenticator(ctx, st, auth.GoogleIssuer)
		if err != nil {
			return nil, nil, err
		}
		gw, err := gateway.NewGoogle(ctx, c.logger, option.WithTokenSource(ta.TokenSource()))
		if err != nil {
			return nil, nil, err
		}
		return ta, gw, nil

	default:
		httpClient := gateway.NewHTTPClient()
		if cfg.UsesOIDC() {
			if cfg.OIDC.Issuer == "" {
				return nil, nil, errIssuerRequired
			}
			ta, err := c.tokenAuthenticator(ctx, st, cfg.OIDC.Issuer)
			if err != nil {
				return nil, nil, err
			}
			gw, err := gateway.NewCalDAV(cfg.CalDAV.URL, ta.HTTPClient(ctx, httpClient), c.logger)
			if err != nil {
				return nil, nil, err
			}
			return ta, gw, nil
		}

		gw, err := gateway.NewCalDAV(cfg.CalDAV.URL, gateway.WithBasicAuth(httpClient, cfg.CalDAV.Username, cfg.CalDAV.Password), c.logger)
		if err != nil {
			return nil, nil, err
		}
		// Basic credentials cannot expire; the session is always authenticated.
		return auth.NewStaticAuthenticator(true), gw, nil
	}
}

func (c *cli) tokenAuthenticator(ctx context.Context, st *state.State, defaultIssuer string) (*auth.TokenAuthenticator, error) {
	issuer := c.cfg.OIDC.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}

	return auth.NewTokenAuthenticator(ctx, auth.TokenConfig{
		Issuer:       issuer,
		ClientID:     c.cfg.OIDC.ClientID,
		ClientSecret: c.cfg.OIDC.ClientSecret,
		RefreshToken: c.cfg.OIDC.RefreshToken,
		Scopes:       c.cfg.OIDC.Scopes,
	}, st, c.logger)
}

// seedGoogleSources creates a source for every configured Google calendar
// id that is not mirrored yet.
func (c *cli) seedGoogleSources(store *db.DB) error {
	if c.cfg.Remote.Provider != config.ProviderGoogle {
		return nil
	}

	for _, id := range c.cfg.Google.CalendarIDs {
		if id == "" {
			continue
		}
		_, err := store.GetSourceByRemotePath(id)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err := store.CreateSource(&db.Source{Name: id, RemotePath: id, Enabled: true}); err != nil {
			return err
		}
		c.logger.Info("added source for configured calendar", "calendar", id)
	}
	return nil
}
