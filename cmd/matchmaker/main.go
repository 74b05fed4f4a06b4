package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/aggregator"
	"github.com/mme-matchmaker/internal/api"
	"github.com/mme-matchmaker/internal/config"
	"github.com/mme-matchmaker/internal/database"
	"github.com/mme-matchmaker/internal/domain"
	"github.com/mme-matchmaker/internal/logging"
	"github.com/mme-matchmaker/internal/matching"
	"github.com/mme-matchmaker/internal/matchstore"
	"github.com/mme-matchmaker/internal/registry"
	"github.com/mme-matchmaker/internal/repository"
	"github.com/mme-matchmaker/internal/scoring"
	"github.com/mme-matchmaker/internal/workers"
	"github.com/mme-matchmaker/pkg/federation"
	"github.com/mme-matchmaker/pkg/hpo"
)

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Ignoring .env: %v", err)
	}

	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	configManager.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configManager, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Matchmaker stopped with error")
	}
	logger.Info("Matchmaker stopped")
}

func run(ctx context.Context, configManager *config.Manager, cfg *domain.Config, logger *logrus.Logger) error {
	dbConfig := database.ConfigFromDomain(cfg.Database)
	if err := database.Migrate(ctx, dbConfig, cfg.Database.MigrationsPath, logger); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	db, err := database.NewConnection(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	ontology, err := loadOntology(ctx, cfg.HPO, repository.NewHPORepository(db.Pool, logger), logger)
	if err != nil {
		return err
	}

	patients := repository.NewPatientRepository(db.Pool, ontology, cfg.Matching.MaxOntologyDistance, logger)

	nodes := registry.New(cfg.Federation, logger)
	nodes.Follow(configManager)

	scorer := scoring.NewScorer(ontology, scoring.ConfigFromDomain(cfg.Matching))
	matcher := matching.NewMatcher(patients, scorer, nodes, cfg.Matching, logger)
	client := federation.NewClient(nil, federation.DefaultBreakerSettings(), logger)

	store, err := matchstore.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening match store: %w", err)
	}
	defer store.Close()

	agg := aggregator.New(matcher, client, nodes, store, logger)

	worker := workers.NewRematchWorker(patients, store, agg, cfg.Rematch, logger)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("starting rematch worker: %w", err)
	}
	defer func() {
		if err := worker.Stop(); err != nil {
			logger.WithError(err).Warn("Rematch worker did not stop cleanly")
		}
	}()

	server := api.NewServer(configManager, api.Dependencies{
		Submissions: patients,
		Matcher:     matcher,
		Runner:      agg,
		Store:       store,
		Registry:    nodes,
		Phenotypes:  ontology,
		Health:      db.Health,
		Logger:      logger,
	})

	logger.WithFields(logrus.Fields{
		"host":         cfg.Server.Host,
		"port":         cfg.Server.Port,
		"match_store":  cfg.MatchStore.Driver,
		"active_nodes": len(nodes.ListActiveNodes()),
		"hpo_terms":    ontology.Len(),
	}).Info("Starting matchmaker")

	return server.Start(ctx)
}

// loadOntology reads HPO from the OBO file when one is configured and syncs
// it into the database; otherwise the stored terms are used.
func loadOntology(ctx context.Context, cfg domain.HPOConfig, repo *repository.HPORepository, logger *logrus.Logger) (*hpo.Ontology, error) {
	var terms []hpo.Term
	if cfg.OBOPath != "" {
		var err error
		terms, err = hpo.LoadFiles(cfg.OBOPath, cfg.GenesPath)
		if err != nil {
			return nil, err
		}
		if err := repo.LoadBulk(ctx, terms); err != nil {
			return nil, fmt.Errorf("storing HPO terms: %w", err)
		}
	} else {
		var err error
		terms, err = repo.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading stored HPO terms: %w", err)
		}
	}

	if len(terms) == 0 {
		logger.Warn("No HPO terms loaded; phenotypes only match on identical terms")
	}
	ontology, err := hpo.New(terms, cfg.CacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("building HPO ontology: %w", err)
	}
	return ontology, nil
}
