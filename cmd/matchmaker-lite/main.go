// Package main runs a standalone matchmaker node that needs no external
// services: patients are kept in memory and match history in SQLite.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mme-matchmaker/internal/aggregator"
	"github.com/mme-matchmaker/internal/api"
	"github.com/mme-matchmaker/internal/config"
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
	lite := config.LoadLiteConfig()
	if err := lite.EnsureDataDir(); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	cfg := lite.Domain()
	configManager := config.NewStaticManager(cfg)
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, lite, configManager, logger); err != nil {
		logger.WithError(err).Fatal("Matchmaker (lite) stopped with error")
	}
	logger.Info("Matchmaker (lite) stopped")
}

func run(ctx context.Context, lite *config.LiteConfig, configManager *config.StaticManager, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()

	var terms []hpo.Term
	if lite.OBOPath != "" {
		var err error
		terms, err = hpo.LoadFiles(lite.OBOPath, lite.GenesPath)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("No HPO file configured; phenotypes only match on identical terms")
	}
	ontology, err := hpo.New(terms, cfg.HPO.CacheSize, logger)
	if err != nil {
		return fmt.Errorf("building HPO ontology: %w", err)
	}

	patients := repository.NewMemoryStore(ontology, cfg.Matching.MaxOntologyDistance)
	if lite.SeedFile != "" {
		n, err := seed(ctx, patients, lite.SeedFile)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"file": lite.SeedFile, "submissions": n}).Info("Loaded seed submissions")
	}

	nodes := registry.New(cfg.Federation, logger)
	scorer := scoring.NewScorer(ontology, scoring.ConfigFromDomain(cfg.Matching))
	matcher := matching.NewMatcher(patients, scorer, nodes, cfg.Matching, logger)
	client := federation.NewClient(nil, federation.DefaultBreakerSettings(), logger)

	store, err := matchstore.NewSQLiteStore(cfg.MatchStore.SQLitePath)
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
		Logger:      logger,
	})

	logger.WithFields(logrus.Fields{
		"port":      cfg.Server.Port,
		"data_dir":  lite.DataDir,
		"hpo_terms": ontology.Len(),
	}).Info("Starting matchmaker (lite)")

	return server.Start(ctx)
}

// seed loads a JSON array of submissions into the store
func seed(ctx context.Context, repo *repository.MemoryStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading seed file: %w", err)
	}
	var subs []domain.Submission
	if err := json.Unmarshal(data, &subs); err != nil {
		return 0, fmt.Errorf("parsing seed file: %w", err)
	}
	for i := range subs {
		if err := repo.SaveSubmission(ctx, &subs[i]); err != nil {
			return i, fmt.Errorf("seeding submission %s: %w", subs[i].ID, err)
		}
	}
	return len(subs), nil
}
