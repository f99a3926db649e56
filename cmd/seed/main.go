// Command seed registers modules from a YAML manifest, for bootstrapping a
// fresh installation.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/operato/modrunner/internal/artifact"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/platform/database"
	"github.com/operato/modrunner/internal/platform/migrations"
	"github.com/operato/modrunner/internal/provision"
	"github.com/operato/modrunner/internal/registry"
	"github.com/operato/modrunner/internal/storage/postgres"
	"github.com/operato/modrunner/internal/validation"
	"github.com/operato/modrunner/pkg/config"
	"github.com/operato/modrunner/pkg/logger"
)

type manifest struct {
	Modules []struct {
		Name        string   `yaml:"name"`
		Env         string   `yaml:"env"`
		Version     string   `yaml:"version"`
		Code        string   `yaml:"code"`
		Path        string   `yaml:"path"`
		Description string   `yaml:"description"`
		Tags        []string `yaml:"tags"`
	} `yaml:"modules"`
}

func main() {
	manifestPath := flag.String("manifest", "modules.yaml", "YAML manifest of modules to register")
	configPath := flag.String("config", "", "path to configuration file")
	operator := flag.String("operator", "seed", "operator recorded in module history")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		log.Fatal("seeding requires a database DSN")
	}

	data, err := os.ReadFile(*manifestPath)
	if err != nil {
		log.Fatalf("read manifest: %v", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		log.Fatalf("parse manifest: %v", err)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database.DSN, database.Pool{
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	store := postgres.New(db)
	artifacts, err := artifact.New(cfg.Artifacts.Root)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}
	seedLog := logger.New(cfg.Logging)
	provisioner := provision.New(artifacts, store, nil, provision.Config{
		PythonBin: cfg.Executor.PythonBin,
		CondaBin:  cfg.Executor.CondaBin,
	}, seedLog)
	reg := registry.New(store, artifacts, validation.New(store), provisioner, nil, seedLog)

	for _, entry := range m.Modules {
		_, err := reg.Register(ctx, registry.RegisterInput{
			Name:         entry.Name,
			EnvKind:      module.EnvKind(entry.Env),
			VersionLabel: entry.Version,
			Code:         entry.Code,
			ArtifactDir:  entry.Path,
			Description:  entry.Description,
			Tags:         entry.Tags,
		}, *operator)
		if err != nil {
			seedLog.WithError(err).WithField("module", entry.Name).Error("seed failed")
			continue
		}
		seedLog.WithField("module", entry.Name).Info("seeded")
	}
}
