package main

import (
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/caseflow/caseflow/internal/config"
	"github.com/caseflow/caseflow/internal/database"
	"github.com/caseflow/caseflow/internal/extract"
	"github.com/caseflow/caseflow/internal/jira"
	"github.com/caseflow/caseflow/internal/llm"
	"github.com/caseflow/caseflow/internal/pipeline"
	"github.com/caseflow/caseflow/internal/scheduler"
	"github.com/caseflow/caseflow/internal/services"
	"github.com/caseflow/caseflow/internal/vectorstore"
	"github.com/caseflow/caseflow/internal/vectorstore/memory"
	"github.com/caseflow/caseflow/internal/vectorstore/qdrant"
)

// app bundles everything the commands need after wiring
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	store     vectorstore.Store
	stories   *services.StoryService
	impacts   *services.ImpactService
	ingestor  *pipeline.Ingestor
	scheduler *scheduler.Scheduler
}

// buildApp wires the full service graph from configuration
func buildApp(cfg *config.Config) (*app, error) {
	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Printf("Database connection established")

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(cfg.VectorStore.Dimension); err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}
	log.Printf("Vector store ready (%s)", cfg.VectorStore.Type)

	chat, err := llm.NewChatClient(llm.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewEmbedClient(llm.EmbedConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.EmbeddingAPIKey,
		Model:   cfg.Embedding.Model,
		Timeout: time.Duration(cfg.Embedding.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	summarizer := services.NewSummarizer(chat, cfg.Pipeline.ChunkSize, cfg.Pipeline.MaxChunks)
	stories := services.NewStoryService(db, store)
	generation := services.NewGenerationService(stories, chat, cfg.Pipeline.MaxParallel)
	impacts := services.NewImpactService(db, store, chat, cfg.Pipeline.TopK)

	ingestor := pipeline.NewIngestor(store, extract.NewFileExtractor(), summarizer, embedder,
		cfg.UploadDir, cfg.SuccessDir, cfg.FailureDir, cfg.Pipeline.MaxParallel)

	var syncer scheduler.StorySyncer
	if cfg.Jira.Enabled {
		client, err := jira.New(jira.Config{
			BaseURL:         cfg.Jira.BaseURL,
			Username:        cfg.Jira.Username,
			APIToken:        cfg.JiraAPIToken,
			ProjectKeys:     cfg.Jira.ProjectKeys,
			SyncAllProjects: cfg.Jira.SyncAllProjects,
			UploadDir:       cfg.UploadDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure Jira sync: %w", err)
		}
		syncer = client
		log.Printf("Jira sync enabled for %s", cfg.Jira.BaseURL)
	}

	sched, err := scheduler.New(syncer, ingestor, generation, impacts,
		cfg.Pipeline.Interval(), cfg.Pipeline.CronExpr, cfg.NextRunFile)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		db:        db,
		store:     store,
		stories:   stories,
		impacts:   impacts,
		ingestor:  ingestor,
		scheduler: sched,
	}, nil
}

func buildStore(cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.VectorStore.Type {
	case "qdrant":
		if cfg.VectorStore.URL == "" {
			return nil, fmt.Errorf("vector store URL is required for qdrant")
		}
		return qdrant.New(qdrant.Config{
			URL:        cfg.VectorStore.URL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.VectorStore.Collection,
		}), nil
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown vector store type %q", cfg.VectorStore.Type)
	}
}

func (a *app) close() {
	if err := database.Close(a.db); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}
