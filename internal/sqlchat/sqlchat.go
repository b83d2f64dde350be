// Package sqlchat is the NL->SQL orchestrator: it owns connection and
// session lifecycle and wires every other NL->SQL package (schema linking,
// few-shot retrieval, intent classification, SQL generation, cost
// estimation, safe execution, semantic inspection, masking, confidence
// scoring, decomposition, join-pattern learning, and telemetry) into one
// execute_query pipeline. Grounded on dbnotebook/core/sql_chat/service.py
// (original_source).
package sqlchat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/notebook-core/internal/cost"
	"github.com/fabfab/notebook-core/internal/decompose"
	"github.com/fabfab/notebook-core/internal/fewshot"
	"github.com/fabfab/notebook-core/internal/intent"
	"github.com/fabfab/notebook-core/internal/learner"
	"github.com/fabfab/notebook-core/internal/llmprovider"
	"github.com/fabfab/notebook-core/internal/mask"
	"github.com/fabfab/notebook-core/internal/semantic"
	"github.com/fabfab/notebook-core/internal/sqlengine"
	"github.com/fabfab/notebook-core/internal/sqlexec"
	"github.com/fabfab/notebook-core/internal/sqlgen"
	"github.com/fabfab/notebook-core/internal/sqlmemory"
	"github.com/fabfab/notebook-core/internal/telemetry"

	"github.com/fabfab/notebook-core/internal/confidence"
)

// Session status values, matching SQLChatSession.status's enum.
const (
	StatusPending              = "pending"
	StatusGeneratingDictionary = "generating_dictionary"
	StatusReady                = "ready"
	StatusGenerating           = "generating"
	StatusValidating           = "validating"
	StatusExecuting            = "executing"
	StatusComplete             = "complete"
	StatusError                = "error"
)

// Timing is one pipeline stage's elapsed time, per stage entries in
// QueryResult.timings.
type Timing struct {
	Stage string
	Ms    int64
}

// Result is the orchestrator's QueryResult: the raw execution result plus
// every analysis stage's output.
type Result struct {
	sqlexec.QueryResult
	Confidence         confidence.Score
	CostEstimate       *cost.Estimate
	Intent             intent.Classification
	RetryCount         int
	Explanation        string
	ValidationWarnings []string
	Timings            []Timing
}

func errorResult(errMsg string, timings []Timing) *Result {
	return &Result{
		QueryResult: sqlexec.QueryResult{Success: false, ErrorMessage: errMsg},
		Timings:     timings,
	}
}

// Session is one user's bound-to-one-connection SQL chat conversation.
// Sessions are in-memory only; only connections persist.
type Session struct {
	ID           string
	UserID       string
	ConnectionID string
	Schema       sqlengine.SchemaInfo
	Status       string
	CreatedAt    time.Time
	LastQueryAt  time.Time
	QueryHistory []*Result
}

// Service orchestrates the NL->SQL pipeline end to end.
type Service struct {
	connections   *sqlengine.ConnectionManager
	introspector  *sqlengine.Introspector
	linker        *sqlengine.Linker
	generator     *sqlgen.Generator
	costEstimator *cost.Estimator
	executor      *sqlexec.Executor
	inspector     *semantic.Inspector
	masker        *mask.Masker
	scorer        *confidence.Scorer
	fewShot       *fewshot.Retriever // nil disables few-shot confidence boosting
	decomposer    *decompose.Decomposer
	learner       *learner.Learner
	telemetry     telemetry.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	memories map[string]*sqlmemory.Memory
}

// NewService constructs a Service. fewShot may be nil when no few-shot
// example store is configured.
func NewService(
	connections *sqlengine.ConnectionManager,
	introspector *sqlengine.Introspector,
	linker *sqlengine.Linker,
	generator *sqlgen.Generator,
	costEstimator *cost.Estimator,
	executor *sqlexec.Executor,
	llm llmprovider.Provider,
	fewShot *fewshot.Retriever,
	decomposer *decompose.Decomposer,
	learnerInst *learner.Learner,
	telemetryLogger telemetry.Logger,
) *Service {
	return &Service{
		connections:   connections,
		introspector:  introspector,
		linker:        linker,
		generator:     generator,
		costEstimator: costEstimator,
		executor:      executor,
		inspector:     semantic.NewInspector(llm, semantic.DefaultMaxRetries, semantic.DefaultMaxAcceptableRows),
		masker:        mask.NewMasker(),
		scorer:        confidence.NewScorer(confidence.DefaultHighThreshold, confidence.DefaultMediumThreshold),
		fewShot:       fewShot,
		decomposer:    decomposer,
		learner:       learnerInst,
		telemetry:     telemetryLogger,
		sessions:      make(map[string]*Session),
		memories:      make(map[string]*sqlmemory.Memory),
	}
}

// ========== Connection management ==========

// CreateConnection stores a new database connection and best-effort
// pre-loads its schema so the first session doesn't pay that cost.
func (s *Service) CreateConnection(ctx context.Context, conn sqlengine.DatabaseConnection, password string) (string, error) {
	created, err := s.connections.CreateConnection(ctx, conn, password)
	if err != nil {
		return "", err
	}

	if db, err := s.connections.Connect(ctx, created.ID); err == nil {
		_, _ = s.introspector.Introspect(ctx, db, created.Type, created.ID, false, true)
	}

	return created.ID, nil
}

// TestConnection verifies a candidate connection's reachability and
// read-only posture without storing it.
func (s *Service) TestConnection(ctx context.Context, conn sqlengine.DatabaseConnection, password string) error {
	return s.connections.TestConnectionConfig(ctx, conn, password)
}

// ListConnections returns every connection belonging to userID.
func (s *Service) ListConnections(userID string) []sqlengine.DatabaseConnection {
	return s.connections.ListConnections(userID)
}

// DeleteConnection removes a connection and every cache keyed by it.
func (s *Service) DeleteConnection(ctx context.Context, id string) error {
	s.learner.ClearCache(id)
	s.introspector.ClearCache(id)
	s.linker.ClearCache(id)
	return s.connections.DeleteConnection(ctx, id)
}

// GetSchema introspects (or returns the cached introspection of) a
// connection's schema.
func (s *Service) GetSchema(ctx context.Context, connectionID string, forceRefresh bool) (sqlengine.SchemaInfo, error) {
	conn, ok := s.connections.GetConnection(connectionID)
	if !ok {
		return sqlengine.SchemaInfo{}, fmt.Errorf("connection not found")
	}
	db, err := s.connections.Connect(ctx, connectionID)
	if err != nil {
		return sqlengine.SchemaInfo{}, err
	}
	return s.introspector.Introspect(ctx, db, conn.Type, connectionID, forceRefresh, true)
}

// GetSchemaFormatted renders a connection's schema for display or
// prompt inclusion.
func (s *Service) GetSchemaFormatted(ctx context.Context, connectionID string) string {
	schema, err := s.GetSchema(ctx, connectionID, false)
	if err != nil {
		return "Schema not available"
	}
	return sqlengine.FormatForLLM(schema, true, true, 0)
}

// GetDefaultPort returns dbType's conventional port.
func (s *Service) GetDefaultPort(dbType sqlengine.DatabaseType) int {
	return dbType.DefaultPort()
}

// ParseConnectionString decomposes a connection URI into its fields.
func (s *Service) ParseConnectionString(raw string) (sqlengine.DatabaseConnection, string, error) {
	return sqlengine.ParseConnectionString(raw)
}

// ========== Session management ==========

// CreateSession opens a new SQL chat session bound to connectionID,
// pre-loading its schema.
func (s *Service) CreateSession(ctx context.Context, userID, connectionID string) (string, error) {
	conn, ok := s.connections.GetConnection(connectionID)
	if !ok {
		return "", fmt.Errorf("connection not found")
	}

	status := StatusPending
	var schema sqlengine.SchemaInfo
	if db, err := s.connections.Connect(ctx, connectionID); err == nil {
		if sc, err := s.introspector.Introspect(ctx, db, conn.Type, connectionID, false, true); err == nil {
			schema = sc
			status = StatusReady
		}
	}

	sessionID := uuid.NewString()
	session := &Session{
		ID:           sessionID,
		UserID:       userID,
		ConnectionID: connectionID,
		Schema:       schema,
		Status:       status,
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.memories[sessionID] = sqlmemory.New(sqlmemory.DefaultMaxHistory)
	s.mu.Unlock()

	return sessionID, nil
}

// GetSession returns the session by ID.
func (s *Service) GetSession(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

// GetQueryHistory returns every result produced in a session so far.
func (s *Service) GetQueryHistory(sessionID string) []*Result {
	session, ok := s.GetSession(sessionID)
	if !ok {
		return nil
	}
	return session.QueryHistory
}

// ========== Utilities ==========

// GetAccuracyMetrics reports aggregate telemetry over the last `since`
// window.
func (s *Service) GetAccuracyMetrics(ctx context.Context, since time.Time) (telemetry.Aggregate, error) {
	if s.telemetry == nil {
		return telemetry.Aggregate{}, nil
	}
	return s.telemetry.Aggregate(ctx, since)
}

// Cleanup releases every open database connection on shutdown.
func (s *Service) Cleanup() {
	s.connections.CloseAll()
}
