package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ammarsksk/docsearch/internal/blobstore"
	"github.com/ammarsksk/docsearch/internal/chunker"
	"github.com/ammarsksk/docsearch/internal/config"
	"github.com/ammarsksk/docsearch/internal/docstore"
	"github.com/ammarsksk/docsearch/internal/embeddings"
	"github.com/ammarsksk/docsearch/internal/generator"
	"github.com/ammarsksk/docsearch/internal/ingest"
	"github.com/ammarsksk/docsearch/internal/lexical"
	"github.com/ammarsksk/docsearch/internal/logging"
	"github.com/ammarsksk/docsearch/internal/query"
	"github.com/ammarsksk/docsearch/internal/rerank"
	"github.com/ammarsksk/docsearch/internal/server"
)

func main() {
	// Load .env before the logger so LOG_LEVEL is respected.
	_ = godotenv.Load(".env")

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("docsearch dev build")
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := docstore.NewStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Embed.Dimension)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect metadata store")
	}
	defer store.Close()

	index, err := lexical.Open(cfg.Lexical.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open keyword index")
	}
	defer index.Close()

	blobs, err := blobstore.NewS3Store(ctx, cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up blob store")
	}

	embedder := embeddings.NewOllamaEmbedder(cfg.Ollama.Host, cfg.Embed.Model, cfg.Embed.Dimension, cfg.Embed.BatchSize, 90*time.Second)
	reranker := rerank.NewHTTPReranker(cfg.Rerank.Host, cfg.Rerank.Model, 90*time.Second)
	gen := generator.New(
		generator.NewClient(cfg.Ollama.Host, cfg.Ollama.Model),
		cfg.Ollama.HydeEnabled,
		cfg.Retrieval.MaxParentChunks,
		cfg.Retrieval.MaxParentChunkChars,
	)

	ck := chunker.New(
		cfg.Chunking.ParentChars, cfg.Chunking.ParentOverlapChars,
		cfg.Chunking.ChildChars, cfg.Chunking.ChildOverlapChars,
	)

	pipeline := ingest.NewPipeline(store, blobs, index, embedder, ck, cfg.Embed.Model)
	pool := ingest.NewPool(pipeline, cfg.Ingest.Workers, cfg.Ingest.QueueSize)
	defer pool.Shutdown()

	answerer := query.NewPipeline(index, store, store, embedder, reranker, gen, cfg.Retrieval)

	srv := server.New(cfg, store, blobs, pool, answerer)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: srv,
	}

	log.Info().
		Str("addr", cfg.Address).
		Str("model", cfg.Ollama.Model).
		Str("embedding_model", cfg.Embed.Model).
		Msg("starting server")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		if err := srv.Close(); err != nil {
			log.Warn().Err(err).Msg("forced close failed")
		}
	}

	log.Info().Msg("server stopped")
}
