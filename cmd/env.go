package main

import (
	"context"
	"os"
	"time"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/panda-crm/measure-engine/internal/credentials"
	"github.com/panda-crm/measure-engine/internal/engine"
	"github.com/panda-crm/measure-engine/internal/fallback"
	"github.com/panda-crm/measure-engine/internal/model"
	"github.com/panda-crm/measure-engine/internal/pipeline"
	"github.com/panda-crm/measure-engine/internal/provider"
	"github.com/panda-crm/measure-engine/internal/reconcile"
	"github.com/panda-crm/measure-engine/internal/resilience"
	"github.com/panda-crm/measure-engine/internal/sfsync"
	"github.com/panda-crm/measure-engine/internal/store"
	"github.com/panda-crm/measure-engine/pkg/compute"
	"github.com/panda-crm/measure-engine/pkg/geocode"
	"github.com/panda-crm/measure-engine/pkg/objectstore"
	sfpkg "github.com/panda-crm/measure-engine/pkg/salesforce"
	"github.com/panda-crm/measure-engine/pkg/secrets"
	"github.com/panda-crm/measure-engine/pkg/solar"
)

// measureEnv holds the initialized store, clients and engine the commands
// share. Callers should defer env.Close().
type measureEnv struct {
	Store      store.Store
	Engine     *engine.Engine
	Registry   *provider.Registry
	Reconciler *reconcile.Reconciler
	Creds      *credentials.Manager

	// EagleView is non-nil when the authorization-code flow is configured;
	// the authorize command needs it directly.
	EagleView *credentials.AuthCode
}

// Close releases resources held by the environment.
func (e *measureEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "measure.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (MEASURE_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf), nil
}

// resolveKey returns the configured API key, falling back to the secret store
// and its env fallback when the config value is empty.
func resolveKey(ctx context.Context, src credentials.SecretSource, p model.Provider, configured, secretName string) string {
	if configured != "" {
		return configured
	}
	tok, err := credentials.NewAPIKey(p, src, secretName).Fetch(ctx)
	if err != nil {
		zap.L().Debug("api key not configured", zap.String("secret", secretName))
		return ""
	}
	return tok.AccessToken
}

// initEnv sets up the store, credential manager, provider adapters, fallback
// selector and engine.
func initEnv(ctx context.Context) (*measureEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	secretsClient := secrets.NewClient(cfg.Secrets.BaseURL, cfg.Secrets.Token,
		secrets.WithEnvPrefix(cfg.Secrets.EnvPrefix))
	objects := objectstore.NewClient(cfg.Objects.BaseURL, cfg.Objects.Bucket, cfg.Objects.Token)
	retryCfg := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs, cfg.Retry.Multiplier, cfg.Retry.JitterFraction)
	computeClient := compute.NewClient(cfg.Compute.BaseURL, cfg.Compute.Token,
		compute.WithTimeout(time.Duration(cfg.Compute.TimeoutSecs)*time.Second),
		compute.WithRetry(retryCfg))
	runner := pipeline.NewRunner(computeClient, objects, cfg.Compute, cfg.Pipeline)

	pgStore, _ := st.(*store.PostgresStore)

	geocodeOpts := []geocode.Option{geocode.WithRateLimit(cfg.Geocode.RateRPS)}
	geoKey := cfg.Geocode.GoogleKey
	if geoKey == "" {
		geoKey, _ = secretsClient.Get(ctx, "google-geocode-key")
	}
	if geoKey != "" {
		geocodeOpts = append(geocodeOpts, geocode.WithGoogleAPIKey(geoKey))
	}
	if pgStore != nil {
		geocodeOpts = append(geocodeOpts, geocode.WithCache(geocode.NewDBCache(pgStore.Pool(), 90)))
	}
	geocoder := geocode.NewClient(geocodeOpts...)

	solarKey := resolveKey(ctx, secretsClient, model.ProviderSolar, cfg.Solar.Key, "google-solar-key")
	solarClient := solar.NewClient(solarKey, solar.WithBaseURL(cfg.Solar.BaseURL))

	creds := credentials.NewManager()
	var adapters []provider.Adapter
	var evAuth *credentials.AuthCode

	if cfg.QuickMeasure.ClientID != "" {
		creds.Register(model.ProviderQuickMeasure, credentials.NewClientCredentials(
			model.ProviderQuickMeasure,
			cfg.QuickMeasure.BaseURL+"/oauth/token",
			cfg.QuickMeasure.ClientID,
			cfg.QuickMeasure.ClientSecret,
		))
		adapters = append(adapters, provider.NewQuickMeasure(cfg.QuickMeasure.BaseURL, cfg.QuickMeasure.WebhookURL, creds,
			provider.WithQuickMeasureRetry(retryCfg)))
	}

	if cfg.EagleView.ClientID != "" {
		if pgStore == nil {
			zap.L().Warn("eagleview requires the postgres store for refresh token persistence, adapter disabled")
		} else {
			evAuth = credentials.NewAuthCode(
				model.ProviderEagleView,
				cfg.EagleView.BaseURL+"/oauth2/v1/authorize",
				cfg.EagleView.BaseURL+"/oauth2/v1/token",
				cfg.EagleView.ClientID,
				cfg.EagleView.ClientSecret,
				cfg.EagleView.RedirectURI,
				credentials.NewPGTokenStore(pgStore.Pool()),
			)
			creds.Register(model.ProviderEagleView, evAuth)
			adapters = append(adapters, provider.NewEagleView(cfg.EagleView.BaseURL, creds, objects,
				provider.WithEagleViewRetry(retryCfg)))
		}
	}

	registry := provider.NewRegistry(adapters...)
	selector := fallback.NewSelector(cfg.Fallback,
		fallback.NewMLSource(runner),
		fallback.NewAerialSource(runner),
		fallback.NewSolarSource(solarClient),
	)

	var engineOpts []engine.Option
	var reconcileOpts []reconcile.Option
	if cfg.Salesforce.ClientID != "" {
		sfClient, err := initSalesforce()
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		hook := sfsync.New(sfClient).Hook()
		engineOpts = append(engineOpts, engine.WithDeliveredHook(hook))
		reconcileOpts = append(reconcileOpts, reconcile.WithDeliveredHook(hook))
		zap.L().Info("salesforce sync enabled")
	} else {
		zap.L().Debug("salesforce not configured, delivered reports stay local")
	}

	eng := engine.New(st, geocoder, selector, registry, engineOpts...)
	rec := reconcile.New(st, registry, cfg.Reconcile, reconcileOpts...)

	return &measureEnv{
		Store:      st,
		Engine:     eng,
		Registry:   registry,
		Reconciler: rec,
		Creds:      creds,
		EagleView:  evAuth,
	}, nil
}
