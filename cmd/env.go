package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencivic/spendmatch/internal/matcher"
	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/pipeline"
	"github.com/opencivic/spendmatch/internal/reconcile"
	"github.com/opencivic/spendmatch/internal/registry"
	"github.com/opencivic/spendmatch/internal/runlog"
	"github.com/opencivic/spendmatch/internal/store"
	"github.com/opencivic/spendmatch/pkg/companieshouse"
	"github.com/opencivic/spendmatch/pkg/govdir"
	"github.com/opencivic/spendmatch/pkg/nhsdir"
	"github.com/opencivic/spendmatch/pkg/objectstore"
	"github.com/opencivic/spendmatch/pkg/postcoder"
)

// appEnv holds the wired store, clients, engine, executor, and reconciler
// shared by the serve/import/run/reconcile commands.
type appEnv struct {
	Store       store.Store
	Engine      *matcher.Engine
	Executor    *pipeline.Executor
	Reconciler  *reconcile.Reconciler
	Broadcaster *runlog.Broadcaster
	Signer      objectstore.Signer // nil unless a bucket is configured
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore connects and migrates the postgres store.
func initStore(ctx context.Context) (*store.PostgresStore, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("store.database_url is required (SPENDMATCH_STORE_DATABASE_URL)")
	}
	st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires registry clients, the match engine, the stage executor, and
// the reconciler. Callers should defer env.Close().
func initEnv(ctx context.Context, stagePlanPath string) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	companies := companieshouse.New(companieshouse.Config{
		BaseURL:     cfg.Companies.BaseURL,
		APIKey:      cfg.Companies.APIKey,
		MinInterval: cfg.Companies.MinInterval,
		MaxRetries:  cfg.Companies.MaxRetries,
	})
	healthcare := nhsdir.New(nhsdir.Config{
		BaseURL:     cfg.Healthcare.BaseURL,
		MinInterval: cfg.Healthcare.MinInterval,
		MaxRetries:  cfg.Healthcare.MaxRetries,
	})
	localGov := govdir.New(govdir.Config{
		BaseURL:     cfg.LocalGov.BaseURL,
		MinInterval: cfg.LocalGov.MinInterval,
		MaxRetries:  cfg.LocalGov.MaxRetries,
	})
	centralGov := govdir.New(govdir.Config{
		BaseURL:     cfg.CentralGov.BaseURL,
		MinInterval: cfg.CentralGov.MinInterval,
		MaxRetries:  cfg.CentralGov.MaxRetries,
	})

	registries := registry.NewSet(map[model.EntityType]registry.Directory{
		model.EntityTypeCompany:            registry.Companies(companies),
		model.EntityTypeHealthcareProvider: registry.Healthcare(healthcare),
		model.EntityTypeLocalGovernment:    registry.Government(localGov, model.EntityTypeLocalGovernment),
		model.EntityTypeNationalGovernment: registry.Government(centralGov, model.EntityTypeNationalGovernment),
	})

	engine := matcher.New(st, registries, matcher.Thresholds{
		AutoApply: cfg.Matching.AutoApplyThreshold,
		Minimum:   cfg.Matching.MinimumThreshold,
	})

	geocoder := postcoder.New(postcoder.Config{
		BaseURL:     cfg.Postcoder.BaseURL,
		MinInterval: cfg.Postcoder.MinInterval,
		BatchSize:   cfg.Postcoder.BatchSize,
	})

	opener, signer, err := initObjects(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	broadcaster := runlog.New()
	executor := pipeline.New(st, engine, geocoder, opener, broadcaster)
	if stagePlanPath != "" {
		plan, err := pipeline.LoadPlan(stagePlanPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		executor, err = executor.WithStages(plan)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	reconciler := reconcile.New(st, engine, reconcile.Config{
		Interval:  cfg.Reconciler.Interval,
		BatchSize: cfg.Reconciler.BatchSize,
	})

	return &appEnv{
		Store:       st,
		Engine:      engine,
		Executor:    executor,
		Reconciler:  reconciler,
		Broadcaster: broadcaster,
		Signer:      signer,
	}, nil
}

// initObjects picks bucket-backed asset storage when configured, local
// directory otherwise.
func initObjects(ctx context.Context) (pipeline.AssetOpener, objectstore.Signer, error) {
	if cfg.Objects.Bucket == "" {
		zap.L().Debug("no object bucket configured, using local asset directory",
			zap.String("dir", cfg.Objects.LocalDir))
		return objectstore.DirOpener{Root: cfg.Objects.LocalDir}, nil, nil
	}

	opener, err := objectstore.NewOpener(ctx, cfg.Objects.Bucket)
	if err != nil {
		return nil, nil, err
	}
	signer, err := objectstore.New(objectstore.Config{
		Bucket:         cfg.Objects.Bucket,
		GoogleAccessID: cfg.Objects.GoogleAccessID,
		PrivateKeyPath: cfg.Objects.PrivateKeyPath,
	})
	if err != nil {
		return nil, nil, err
	}
	return opener, signer, nil
}
