package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/notebook-core/internal/config"
	"github.com/fabfab/notebook-core/internal/conversation"
	"github.com/fabfab/notebook-core/internal/cost"
	"github.com/fabfab/notebook-core/internal/decompose"
	"github.com/fabfab/notebook-core/internal/embeddings"
	"github.com/fabfab/notebook-core/internal/fewshot"
	"github.com/fabfab/notebook-core/internal/httpapi"
	"github.com/fabfab/notebook-core/internal/learner"
	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/ragchat"
	"github.com/fabfab/notebook-core/internal/reranker"
	"github.com/fabfab/notebook-core/internal/retrieval"
	"github.com/fabfab/notebook-core/internal/sqlchat"
	"github.com/fabfab/notebook-core/internal/sqlengine"
	"github.com/fabfab/notebook-core/internal/sqlexec"
	"github.com/fabfab/notebook-core/internal/sqlgen"
	"github.com/fabfab/notebook-core/internal/telemetry"
	"github.com/fabfab/notebook-core/internal/vectorstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("notebook-core dev build")
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	llm := llmprovider.NewOllamaProvider(cfg.Ollama.Host, cfg.Ollama.Model, 90*time.Second)
	embedder := embeddings.NewOllamaEmbedder(cfg.Ollama.Host, cfg.Embed.Model, cfg.Embed.Dimension, 90*time.Second)

	docStore, err := vectorstore.NewStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Embed.Dimension, cfg.Database.PgvectorTable)
	if err != nil {
		log.Fatalf("failed to connect document vector store: %v", err)
	}
	defer docStore.Close()

	exampleStore, err := vectorstore.NewStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Embed.Dimension, "sql_few_shot_examples")
	if err != nil {
		log.Fatalf("failed to connect few-shot example store: %v", err)
	}
	defer exampleStore.Close()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to connect database pool: %v", err)
	}
	defer pool.Close()

	convStore, err := conversation.NewStore(ctx, pool)
	if err != nil {
		log.Fatalf("failed to set up conversation store: %v", err)
	}

	telemetryLogger, err := telemetry.NewDBLogger(ctx, pool)
	if err != nil {
		log.Printf("telemetry falling back to in-memory logger: %v", err)
	}
	var telemetryLog telemetry.Logger = telemetryLogger
	if telemetryLogger == nil {
		telemetryLog = telemetry.NewMemoryLogger(1000)
	}

	rerankerSvc := reranker.NewService(embedder, cfg.Reranker.Model, cfg.Reranker.Enabled, cfg.Reranker.TopN)

	docRetriever := retrieval.NewRetriever(docStore, rerankerSvc, llm)
	exampleRetriever := retrieval.NewRetriever(exampleStore, rerankerSvc, llm)

	ragEngine := ragchat.NewEngine(docRetriever, llm, embedder, convStore, 0)
	fewShotRetriever := fewshot.NewRetriever(exampleStore, exampleRetriever, embedder)

	cipher, err := sqlengine.NewCipher(cfg.SQLChat.EncryptionKey)
	if err != nil {
		log.Fatalf("failed to set up connection cipher: %v", err)
	}

	poolOpts := sqlengine.PoolOptions{
		MaxOpenConns:    cfg.SQLChat.PoolSize + cfg.SQLChat.PoolOverflow,
		MaxIdleConns:    cfg.SQLChat.PoolSize,
		ConnMaxLifetime: time.Duration(cfg.SQLChat.PoolTimeoutSecs) * time.Second,
	}
	connManager := sqlengine.NewConnectionManager(cipher, cfg.SQLChat.SkipReadOnlyCheck, poolOpts, pool)
	introspector := sqlengine.NewIntrospector(cfg.SQLChat.SchemaCacheTTLSecs)
	linker := sqlengine.NewLinker(embedder, 0, 0)

	generator := sqlgen.NewGenerator(llm, fewShotRetriever, sqlgen.DefaultMaxCorrectionAttempts)
	costEstimator := cost.NewEstimator(int64(cfg.SQLChat.MaxEstimatedRows), cfg.SQLChat.MaxCostUnits)
	executor := sqlexec.NewExecutor(cfg.SQLChat.MaxExecRows, time.Duration(cfg.SQLChat.StatementTimeoutSecs)*time.Second)
	decomposer := decompose.NewDecomposer(llm)
	learnerInst := learner.New()

	sqlChatSvc := sqlchat.NewService(connManager, introspector, linker, generator, costEstimator, executor, llm, fewShotRetriever, decomposer, learnerInst, telemetryLog)
	defer sqlChatSvc.Cleanup()

	srv := httpapi.New(ragEngine, sqlChatSvc, cfg.Ollama.Model, cfg.RetrievalStrategy)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: srv,
	}

	log.Printf("starting server on %s (model: %s, embedding: %s)", cfg.Address, cfg.Ollama.Model, cfg.Embed.Model)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
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
		log.Printf("graceful shutdown failed: %v", err)
		if err := srv.Close(); err != nil {
			log.Printf("forced close failed: %v", err)
		}
	}

	log.Println("server stopped")
}
