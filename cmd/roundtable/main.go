package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roundtable-ai/roundtable"
	"github.com/roundtable-ai/roundtable/ingest"
	"github.com/roundtable-ai/roundtable/ingest/pdf"
	"github.com/roundtable-ai/roundtable/internal/config"
	"github.com/roundtable-ai/roundtable/observer"
	"github.com/roundtable-ai/roundtable/provider/openaicompat"
	"github.com/roundtable-ai/roundtable/server"
	"github.com/roundtable-ai/roundtable/store/postgres"
	"github.com/roundtable-ai/roundtable/store/sqlite"
	"github.com/roundtable-ai/roundtable/tools/knowledge"
)

// fileExtractor routes document attachments to the right text extractor.
type fileExtractor struct {
	pdf *pdf.Extractor
}

func (fe fileExtractor) Extract(f roundtable.FileInfo) (string, error) {
	if f.MimeType == "application/pdf" {
		return fe.pdf.Extract(f.Content)
	}
	return string(f.Content), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("ROUNDTABLE_CONFIG"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var tracer roundtable.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
		tracer = observer.NewTracer()
	}

	// 3. Providers
	llm := openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.DefaultModel, cfg.LLM.BaseURL,
		openaicompat.WithLogger(logger))
	embedder := openaicompat.NewEmbedding(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL,
		openaicompat.WithEmbeddingDimensions(cfg.Embedding.Dimensions))

	var provider roundtable.ChatProvider = llm
	var structured roundtable.StructuredChatProvider = llm
	var embedding roundtable.EmbeddingProvider = embedder
	if inst != nil {
		observed := observer.WrapProvider(llm, cfg.LLM.DefaultModel, inst)
		provider = observed
		structured = observed
		embedding = observer.WrapEmbedding(embedder, cfg.Embedding.Model, inst)
	}

	// 4. Store
	var store roundtable.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool,
			postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()

	// 5. Knowledge base
	kb := roundtable.NewKnowledgeBase(store, embedding,
		roundtable.WithKBChunker(ingest.NewMarkdownChunker(
			ingest.WithMaxChars(cfg.Knowledge.ChunkMaxChars),
			ingest.WithOverlapChars(cfg.Knowledge.ChunkOverlapChars))),
		roundtable.WithKBLogger(logger),
		roundtable.WithKBTracer(tracer))

	// 6. Orchestration
	orchestrator := roundtable.NewOrchestrator(provider, store,
		roundtable.WithOrchestratorLogger(logger),
		roundtable.WithOrchestratorTracer(tracer))
	extractor := roundtable.NewTeamExtractor(structured, cfg.LLM.ExtractorModel,
		roundtable.WithExtractorLogger(logger),
		roundtable.WithExtractorTracer(tracer))

	// 7. Dispatcher
	dispatcher := roundtable.NewDispatcher(store, provider, orchestrator, extractor,
		roundtable.DispatcherConfig{
			CoordinatorModel: cfg.LLM.CoordinatorModel,
			DefaultModel:     cfg.LLM.DefaultModel,
			DefaultProvider:  provider.Name(),
			GraceDelay:       cfg.Team.GraceDelay(),
			FileTeamCap:      cfg.Team.FileTeamCap,
		},
		roundtable.WithDispatcherLogger(logger),
		roundtable.WithDispatcherTracer(tracer),
		roundtable.WithKnowledgeBase(kb),
		roundtable.WithStructuredProvider(structured),
		roundtable.WithFileExtractor(fileExtractor{pdf: pdf.NewExtractor()}),
		roundtable.WithToolFactory(func(conversationID string) []roundtable.LoopTool {
			registry := roundtable.NewToolRegistry()
			registry.Add(knowledge.New(kb, conversationID, knowledge.WithLogger(logger)))
			return roundtable.RegistryTools(registry)
		}))

	// 8. Serve
	srv := server.New(dispatcher, server.WithLogger(logger))
	if err := srv.Start(ctx, cfg.Server.Addr); err != nil {
		log.Fatal(err)
	}
}
