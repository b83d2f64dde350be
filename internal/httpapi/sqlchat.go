package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fabfab/notebook-core/internal/apperr"
	"github.com/fabfab/notebook-core/internal/sqlchat"
	"github.com/fabfab/notebook-core/internal/sqlengine"
)

type connectionRequest struct {
	Name          string                   `json:"name"`
	Type          string                   `json:"type"`
	Host          string                   `json:"host"`
	Port          int                      `json:"port"`
	Database      string                   `json:"database"`
	Username      string                   `json:"username"`
	Password      string                   `json:"password"`
	Schema        string                   `json:"schema"`
	MaskingPolicy *sqlengine.MaskingPolicy `json:"masking_policy"`
}

func (req connectionRequest) toConnection() sqlengine.DatabaseConnection {
	return sqlengine.DatabaseConnection{
		Name:          req.Name,
		Type:          sqlengine.DatabaseType(req.Type),
		Host:          req.Host,
		Port:          req.Port,
		Database:      req.Database,
		Username:      req.Username,
		Schema:        req.Schema,
		MaskingPolicy: req.MaskingPolicy,
	}
}

// handleCreateConnection is POST /api/sql-chat/connections (§6): validates
// connectivity and read-only-ness before persisting.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "decode request: %v", err))
		return
	}

	conn := req.toConnection()
	conn.UserID = userID(r)

	if err := s.sqlChat.TestConnection(r.Context(), conn, req.Password); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "connection failed validation: %v", err))
		return
	}

	id, err := s.sqlChat.CreateConnection(r.Context(), conn, req.Password)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ErrInternal, "create connection: %v", err))
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]any{"id": id})
}

// handleListConnections is GET /api/sql-chat/connections: the current
// user's connections, secrets never included: the response payload below is
// built field by field and leaves out PasswordCiphertext.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.sqlChat.ListConnections(userID(r))
	out := make([]map[string]any, 0, len(conns))
	for _, c := range conns {
		out = append(out, map[string]any{
			"id":             c.ID,
			"name":           c.Name,
			"type":           c.Type,
			"host":           c.Host,
			"port":           c.Port,
			"database":       c.Database,
			"username":       c.Username,
			"schema":         c.Schema,
			"masking_policy": c.MaskingPolicy,
			"created_at":     c.CreatedAt,
			"last_used_at":   c.LastUsedAt,
		})
	}
	writeSuccess(w, http.StatusOK, map[string]any{"connections": out})
}

// handleTestConnection is POST /api/sql-chat/connections/test: verifies
// reachability and read-only posture without storing anything.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "decode request: %v", err))
		return
	}

	conn := req.toConnection()
	if err := s.sqlChat.TestConnection(r.Context(), conn, req.Password); err != nil {
		writeSuccess(w, http.StatusOK, map[string]any{
			"message": err.Error(),
		})
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"message": "connection reachable; read-only access confirmed",
	})
}

// handleParseConnectionString is POST /api/sql-chat/connections/parse-string.
func (s *Server) handleParseConnectionString(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionString string `json:"connection_string"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "decode request: %v", err))
		return
	}

	conn, password, err := s.sqlChat.ParseConnectionString(req.ConnectionString)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "parse connection string: %v", err))
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"type":     conn.Type,
		"host":     conn.Host,
		"port":     conn.Port,
		"database": conn.Database,
		"username": conn.Username,
		"password": password,
	})
}

// handleDeleteConnection is DELETE /api/sql-chat/connections/{id}.
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sqlChat.DeleteConnection(r.Context(), id); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrInternal, "delete connection: %v", err))
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

// handleCreateSession is POST /api/sql-chat/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID      string `json:"connectionId"`
		SkipSchemaRefresh bool   `json:"skipSchemaRefresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "decode request: %v", err))
		return
	}
	if req.ConnectionID == "" {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "connectionId is required"))
		return
	}

	sessionID, err := s.sqlChat.CreateSession(r.Context(), userID(r), req.ConnectionID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ErrNotFound, "create session: %v", err))
		return
	}

	schemaFormatted := s.sqlChat.GetSchemaFormatted(r.Context(), req.ConnectionID)

	writeSuccess(w, http.StatusCreated, map[string]any{
		"sessionId":       sessionID,
		"connectionId":    req.ConnectionID,
		"schemaFormatted": schemaFormatted,
	})
}

// handleGetSession is GET /api/sql-chat/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, ok := s.sqlChat.GetSession(id)
	if !ok {
		writeError(w, apperr.Wrap(apperr.ErrNotFound, "session %s not found", id))
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"id":           session.ID,
		"userId":       session.UserID,
		"connectionId": session.ConnectionID,
		"status":       session.Status,
		"createdAt":    session.CreatedAt,
		"lastQueryAt":  session.LastQueryAt,
	})
}

// handleRefreshSchema is POST /api/sql-chat/sessions/{id}/refresh-schema.
func (s *Server) handleRefreshSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, ok := s.sqlChat.GetSession(id)
	if !ok {
		writeError(w, apperr.Wrap(apperr.ErrNotFound, "session %s not found", id))
		return
	}

	schema, err := s.sqlChat.GetSchema(r.Context(), session.ConnectionID, true)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ErrExternalService, "refresh schema: %v", err))
		return
	}
	session.Schema = schema

	writeSuccess(w, http.StatusOK, map[string]any{
		"schemaFormatted": sqlengine.FormatForLLM(schema, true, true, 0),
	})
}

type sessionQueryRequest struct {
	Query string `json:"query"`
}

// handleQuerySession is POST /api/sql-chat/query/{session_id} (§6):
// synchronous execution of the full NL->SQL pipeline.
func (s *Server) handleQuerySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req sessionQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "decode request: %v", err))
		return
	}

	result := s.sqlChat.ExecuteQuery(r.Context(), sessionID, req.Query)
	if !result.Success {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   result.ErrorMessage,
			"sql":     result.SQLGenerated,
		})
		return
	}

	writeSuccess(w, http.StatusOK, resultPayload(result))
}

// handleQuerySessionStream is POST /api/sql-chat/query/{session_id}/stream
// (§6): emits status/sql/result/error SSE events, then a final data-only
// "[DONE]" frame. ExecuteQuery runs the pipeline to completion rather than
// yielding per-stage, so only one "generating" status frame precedes the
// blocking call; sql and result are emitted together once it returns.
func (s *Server) handleQuerySessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req sessionQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrValidation, "decode request: %v", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.Wrap(apperr.ErrInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event, data string) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
	writeDone := func() {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	writeEvent("status", `{"stage":"generating"}`)

	result := s.sqlChat.ExecuteQuery(r.Context(), sessionID, req.Query)

	if !result.Success {
		payload, _ := json.Marshal(map[string]any{"error": result.ErrorMessage})
		writeEvent("error", string(payload))
		writeDone()
		return
	}

	sqlPayload, _ := json.Marshal(map[string]any{"sql": result.SQLGenerated})
	writeEvent("sql", string(sqlPayload))

	resultJSON, _ := json.Marshal(resultPayload(result))
	writeEvent("result", string(resultJSON))
	writeDone()
}

// handleHistory is GET /api/sql-chat/history/{session_id}?limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	history := s.sqlChat.GetQueryHistory(sessionID)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	items := make([]map[string]any, 0, len(history))
	for _, h := range history {
		items = append(items, resultPayload(h))
	}

	writeSuccess(w, http.StatusOK, map[string]any{"history": items})
}

// resultPayload flattens a pipeline Result into the JSON shape shared by
// the synchronous query endpoint, the SSE "result" event, and history.
func resultPayload(r *sqlchat.Result) map[string]any {
	return map[string]any{
		"success":            r.Success,
		"sql":                r.SQLGenerated,
		"data":               r.Data,
		"columns":            r.Columns,
		"rowCount":           r.RowCount,
		"executionTimeMs":    r.ExecutionTimeMS,
		"confidence":         r.Confidence,
		"costEstimate":       r.CostEstimate,
		"intent":             r.Intent,
		"retryCount":         r.RetryCount,
		"explanation":        r.Explanation,
		"validationWarnings": r.ValidationWarnings,
		"timings":            r.Timings,
	}
}
