package sqlchat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fabfab/notebook-core/internal/confidence"
	"github.com/fabfab/notebook-core/internal/cost"
	"github.com/fabfab/notebook-core/internal/decompose"
	"github.com/fabfab/notebook-core/internal/intent"
	"github.com/fabfab/notebook-core/internal/sqlengine"
	"github.com/fabfab/notebook-core/internal/sqlexec"
	"github.com/fabfab/notebook-core/internal/sqlmemory"
	"github.com/fabfab/notebook-core/internal/sqlvalidate"
	"github.com/fabfab/notebook-core/internal/telemetry"
)

func timed(timings []Timing, stage string, start time.Time) []Timing {
	return append(timings, Timing{Stage: stage, Ms: time.Since(start).Milliseconds()})
}

// explainGenerationFailure is the sentinel sqlgen.Generator.ExplainSQL
// returns when its LLM call fails.
const explainGenerationFailure = "Unable to generate explanation"

// explainResult asks the generator for a plain-language explanation of the
// executed query and, if that LLM call failed, falls back to a templated
// summary built from the result's own row count and columns rather than
// surfacing the failure to the user.
func (s *Service) explainResult(ctx context.Context, execResult *sqlexec.QueryResult) string {
	explanation := s.generator.ExplainSQL(ctx, execResult.SQLGenerated)
	if explanation != explainGenerationFailure {
		return explanation
	}
	return templatedExplanation(execResult)
}

func templatedExplanation(execResult *sqlexec.QueryResult) string {
	names := make([]string, len(execResult.Columns))
	for i, c := range execResult.Columns {
		names[i] = c.Name
	}
	return fmt.Sprintf("Returned %d rows from the following columns: %s", execResult.RowCount, strings.Join(names, ", "))
}

// ExecuteQuery runs the full NL->SQL pipeline (§4.16): validate input,
// branch to refinement if the query follows up on the last exchange,
// classify intent, schema-link (optionally decomposing complex queries),
// generate SQL with correction, estimate cost, execute under semantic
// inspection, mask, score confidence, explain, then log telemetry and
// update history/memory. Any stage may short-circuit with a failed
// Result.
func (s *Service) ExecuteQuery(ctx context.Context, sessionID, nlQuery string) *Result {
	session, ok := s.GetSession(sessionID)
	if !ok {
		return errorResult("session not found", nil)
	}

	var timings []Timing

	t0 := time.Now()
	valid, validationErr := sqlvalidate.ValidateUserInput(nlQuery)
	timings = timed(timings, "validate_input", t0)
	if !valid {
		session.Status = StatusError
		return errorResult(validationErr, timings)
	}

	s.mu.RLock()
	memory := s.memories[sessionID]
	s.mu.RUnlock()

	if memory != nil && memory.LastSQL() != "" && memory.IsFollowUp(nlQuery) {
		return s.executeRefinement(ctx, session, memory, nlQuery, timings)
	}

	conn, ok := s.connections.GetConnection(session.ConnectionID)
	if !ok {
		session.Status = StatusError
		return errorResult("connection not found", timings)
	}

	session.Status = StatusGenerating

	t1 := time.Now()
	schema := session.Schema
	if linkedTables, err := s.linker.LinkTables(ctx, nlQuery, schema, session.ConnectionID, 5, true); err == nil && len(linkedTables) > 0 {
		schema = sqlengine.FilterSchema(session.Schema, linkedTables)
	}
	schemaText := sqlengine.FormatForLLM(schema, true, true, 20)

	var joinHints string
	if s.learner != nil {
		tableNames := make([]string, len(schema.Tables))
		for i, t := range schema.Tables {
			tableNames[i] = t.Name
		}
		joinHints = s.learner.FormatJoinHints(session.ConnectionID, tableNames)
	}
	timings = timed(timings, "schema_link", t1)

	t2 := time.Now()
	var sql string
	var success bool
	var classification intent.Classification
	if s.decomposer != nil && decompose.IsComplex(nlQuery) {
		sql, success, classification = s.executeDecomposed(ctx, nlQuery, schemaText, schema, joinHints)
	} else {
		var err error
		sql, success, classification, err = s.generator.GenerateWithCorrection(ctx, nlQuery, schemaText, schema, joinHints)
		if err != nil {
			timings = timed(timings, "generate_sql", t2)
			session.Status = StatusError
			result := errorResult(err.Error(), timings)
			result.SQLGenerated = sql
			result.Intent = classification
			return result
		}
	}
	timings = timed(timings, "generate_sql", t2)

	if !success {
		session.Status = StatusError
		result := errorResult("failed to generate valid SQL", timings)
		result.SQLGenerated = sql
		result.Intent = classification
		return result
	}

	session.Status = StatusValidating
	db, err := s.connections.Connect(ctx, session.ConnectionID)
	if err != nil {
		session.Status = StatusError
		result := errorResult("connection not available", timings)
		result.SQLGenerated = sql
		result.Intent = classification
		return result
	}

	t3 := time.Now()
	estimate, _ := s.costEstimator.Estimate(ctx, db, conn.Type, sql)
	timings = timed(timings, "estimate_cost", t3)
	if estimate != nil {
		if safe, warning := s.costEstimator.IsSafe(*estimate); !safe {
			session.Status = StatusError
			result := errorResult(warning, timings)
			result.SQLGenerated = sql
			result.Intent = classification
			result.CostEstimate = estimate
			return result
		}
	}

	session.Status = StatusExecuting
	t4 := time.Now()
	execFn := func(ctx context.Context, q string) *sqlexec.QueryResult {
		return s.executor.ExecuteReadOnly(ctx, db, conn.Type, q)
	}
	execResult, _, retryCount := s.inspector.ExecuteWithInspection(ctx, nlQuery, sql, execFn)
	timings = timed(timings, "execute", t4)

	if conn.MaskingPolicy != nil && execResult.Success {
		execResult.Data = s.masker.Apply(execResult.Data, conn.MaskingPolicy)
	}

	t5 := time.Now()
	queryTerms := confidence.ExtractQueryTerms(nlQuery)
	resultColumns := make([]string, len(execResult.Columns))
	for i, c := range execResult.Columns {
		resultColumns[i] = c.Name
	}
	columnOverlap := s.scorer.ComputeColumnOverlap(queryTerms, resultColumns)

	fewShotSimilarity := 0.5
	if s.fewShot != nil {
		if examples, err := s.fewShot.GetExamples(ctx, nlQuery, 1, "", ""); err == nil && len(examples) > 0 {
			fewShotSimilarity = examples[0].Similarity
		}
	}
	score := s.scorer.Compute(0.7, fewShotSimilarity, retryCount, columnOverlap, nil)
	timings = timed(timings, "compute_confidence", t5)

	t6 := time.Now()
	var explanation string
	if execResult.Success {
		explanation = s.explainResult(ctx, execResult)
	}
	timings = timed(timings, "explain", t6)

	now := time.Now()
	if s.telemetry != nil {
		_ = s.telemetry.Log(ctx, telemetryEntry(sessionID, nlQuery, execResult, classification, retryCount, score, estimate, now))
	}
	if s.learner != nil {
		s.learner.RecordSuccess(session.ConnectionID, schema, nlQuery, execResult.SQLGenerated, execResult, now)
	}
	if memory != nil {
		memory.AddExchange(nlQuery, execResult.SQLGenerated, execResult, now)
	}

	session.Status = StatusComplete
	session.LastQueryAt = now

	result := &Result{
		QueryResult:  *execResult,
		Confidence:   score,
		CostEstimate: estimate,
		Intent:       classification,
		RetryCount:   retryCount,
		Explanation:  explanation,
		Timings:      timings,
	}
	session.QueryHistory = append(session.QueryHistory, result)
	return result
}

// executeDecomposed breaks nlQuery into sub-questions, generates SQL for
// each in dependency order, and recombines them into one CTE statement.
func (s *Service) executeDecomposed(ctx context.Context, nlQuery, schemaText string, schema sqlengine.SchemaInfo, joinHints string) (string, bool, intent.Classification) {
	subQueries := s.decomposer.Decompose(ctx, nlQuery, schema, decompose.DefaultMaxSubQueries)

	byID := make(map[int]*decompose.SubQuery, len(subQueries))
	for i := range subQueries {
		byID[subQueries[i].ID] = &subQueries[i]
	}

	var classification intent.Classification
	for _, id := range decompose.GetExecutionOrder(subQueries) {
		sq, ok := byID[id]
		if !ok {
			continue
		}
		sql, success, cls, err := s.generator.GenerateWithCorrection(ctx, sq.Question, schemaText, schema, joinHints)
		classification = cls
		if err != nil || !success {
			return "", false, classification
		}
		sq.SQL = sql
	}

	combined := decompose.CombineIntoCTE(subQueries)
	if combined == "" {
		return "", false, classification
	}
	return combined, true, classification
}

// executeRefinement handles a follow-up question by asking the LLM to
// modify the previous SQL, skipping intent classification, schema linking,
// and cost estimation, matching service.py's _execute_refinement.
func (s *Service) executeRefinement(ctx context.Context, session *Session, memory *sqlmemory.Memory, refinement string, timings []Timing) *Result {
	previousSQL := memory.LastSQL()

	conn, ok := s.connections.GetConnection(session.ConnectionID)
	if !ok {
		session.Status = StatusError
		return errorResult("connection not found", timings)
	}

	t0 := time.Now()
	refinedSQL := s.generator.RefineSQL(ctx, previousSQL, refinement)
	timings = timed(timings, "refine_sql", t0)

	db, err := s.connections.Connect(ctx, session.ConnectionID)
	if err != nil {
		session.Status = StatusError
		result := errorResult("connection not available", timings)
		result.SQLGenerated = refinedSQL
		return result
	}

	session.Status = StatusExecuting
	t1 := time.Now()
	execResult := s.executor.ExecuteReadOnly(ctx, db, conn.Type, refinedSQL)
	timings = timed(timings, "execute", t1)

	if conn.MaskingPolicy != nil && execResult.Success {
		execResult.Data = s.masker.Apply(execResult.Data, conn.MaskingPolicy)
	}

	var explanation string
	if execResult.Success {
		explanation = s.explainResult(ctx, execResult)
	}

	now := time.Now()
	memory.AddExchange(refinement, refinedSQL, execResult, now)

	session.Status = StatusComplete
	session.LastQueryAt = now

	result := &Result{
		QueryResult: *execResult,
		Explanation: explanation,
		Timings:     timings,
	}
	session.QueryHistory = append(session.QueryHistory, result)
	return result
}

func telemetryEntry(sessionID, nlQuery string, result *sqlexec.QueryResult, classification intent.Classification, retryCount int, score confidence.Score, estimate *cost.Estimate, now time.Time) telemetry.QueryTelemetry {
	var costValue float64
	if estimate != nil {
		costValue = estimate.TotalCost
	}
	return telemetry.QueryTelemetry{
		SessionID:       sessionID,
		UserQuery:       nlQuery,
		GeneratedSQL:    result.SQLGenerated,
		Intent:          string(classification.Intent),
		ConfidenceScore: score.Value,
		RetryCount:      retryCount,
		ExecutionTimeMs: int64(result.ExecutionTimeMS),
		RowCount:        result.RowCount,
		CostEstimate:    costValue,
		Success:         result.Success,
		Error:           result.ErrorMessage,
		Timestamp:       now,
	}
}
