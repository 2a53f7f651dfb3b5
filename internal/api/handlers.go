package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/querymind/querymind/internal/ai"
	"github.com/querymind/querymind/internal/config"
	"github.com/querymind/querymind/internal/connections"
	"github.com/querymind/querymind/internal/metadata"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store       *connections.Store
	cache       metadata.Cache
	sqlgen      *ai.Client
	config      *config.Config
	rateLimiter *RateLimiter

	// active is the name of the currently selected connection profile.
	// Explicit per-handler state instead of process globals, so tests
	// (and future multi-session work) can hold several handlers without
	// cross-talk.
	mu     sync.RWMutex
	active string
}

// NewHandler creates a new API handler.
func NewHandler(store *connections.Store, cache metadata.Cache, sqlgen *ai.Client, cfg *config.Config) *Handler {
	return &Handler{
		store:       store,
		cache:       cache,
		sqlgen:      sqlgen,
		config:      cfg,
		rateLimiter: NewRateLimiter(100, time.Minute), // 100 requests per minute
	}
}

// RegisterRoutes sets up the HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", h.handleStatus)

	apiMux.HandleFunc("GET /api/connections", h.handleListConnections)
	apiMux.HandleFunc("POST /api/connections", h.handleCreateConnection)
	apiMux.HandleFunc("POST /api/connections/test", h.handleTestConnection)
	apiMux.HandleFunc("GET /api/connections/{name}", h.handleGetConnection)
	apiMux.HandleFunc("DELETE /api/connections/{name}", h.handleDeleteConnection)
	apiMux.HandleFunc("POST /api/connections/{name}/activate", h.handleActivateConnection)

	apiMux.HandleFunc("GET /api/schema", h.handleGetSchema)
	apiMux.HandleFunc("GET /api/metadata", h.handleGetMetadata)
	apiMux.HandleFunc("POST /api/metadata/refresh", h.handleRefreshMetadata)
	apiMux.HandleFunc("POST /api/query", h.handleQuery)

	// Middleware chain: body limit -> rate limiting -> CORS
	protected := LimitBodySize(h.rateLimiter.Wrap(CORS(apiMux)), 1<<20)
	mux.Handle("/api/", protected)
}

// Stop stops background goroutines. Should be called on graceful shutdown.
func (h *Handler) Stop() {
	h.rateLimiter.Stop()
}

// API response types for consistent format
type apiResponse[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for API responses
const (
	ErrInvalidRequest  = "INVALID_REQUEST"
	ErrMissingField    = "MISSING_FIELD"
	ErrNotFound        = "NOT_FOUND"
	ErrNoActiveConn    = "NO_ACTIVE_CONNECTION"
	ErrConnectionError = "CONNECTION_ERROR"
	ErrStoreError      = "STORE_ERROR"
	ErrSchemaError     = "SCHEMA_ERROR"
	ErrGenerateError   = "SQL_GENERATION_ERROR"
	ErrForbiddenSQL    = "FORBIDDEN_SQL"
	ErrQueryError      = "QUERY_ERROR"
)

// respondJSON sends a successful JSON response with type-safe data
func respondJSON[T any](w http.ResponseWriter, data T) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	resp := apiResponse[T]{Success: true, Data: data}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// errorResponse is the response type for errors (no data field)
type errorResponse struct {
	Success bool      `json:"success"`
	Error   *apiError `json:"error,omitempty"`
}

// respondError sends an error JSON response (logs details server-side, sends safe message to client)
func (h *Handler) respondError(w http.ResponseWriter, code string, clientMessage string, status int, internalErr error) {
	if internalErr != nil {
		log.Printf("[%s] %s: %v", code, clientMessage, internalErr)
	} else {
		log.Printf("[%s] %s", code, clientMessage)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	resp := errorResponse{
		Success: false,
		Error:   &apiError{Code: code, Message: clientMessage},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode error response: %v", err)
	}
}

// decodeJSONBody decodes JSON request body into the provided value.
// Returns false if decoding fails (error response already sent).
func (h *Handler) decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondError(w, ErrInvalidRequest, "Invalid request body", http.StatusBadRequest, err)
		return false
	}
	return true
}

// activeProfile resolves the currently selected profile to a connection
// string and database name.
func (h *Handler) activeProfile() (connString, dbName string, err error) {
	h.mu.RLock()
	name := h.active
	h.mu.RUnlock()

	if name == "" {
		return "", "", errors.New("no active database connection")
	}
	p, err := h.store.Get(name)
	if err != nil {
		return "", "", err
	}
	return connections.BuildConnString(p), p.Database, nil
}

// extractor builds a metadata extractor bound to the active profile.
func (h *Handler) extractor() (*metadata.Extractor, error) {
	connString, dbName, err := h.activeProfile()
	if err != nil {
		return nil, err
	}
	return metadata.NewExtractor(connString, dbName, h.cache, h.config.QueryTimeout), nil
}

type statusData struct {
	Status           string `json:"status"`
	ActiveConnection string `json:"active_connection,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	active := h.active
	h.mu.RUnlock()
	respondJSON(w, statusData{Status: "running", ActiveConnection: active})
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.store.List())
}

func (h *Handler) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.Export(r.PathValue("name"), false)
	if errors.Is(err, connections.ErrNotFound) {
		h.respondError(w, ErrNotFound, "Connection not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		h.respondError(w, ErrStoreError, "Failed to load connection", http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, info)
}

type createConnectionRequest struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Database    string `json:"database"`
	User        string `json:"user"`
	Password    string `json:"password"`
	Port        int    `json:"port"`
	Description string `json:"description"`
}

func (h *Handler) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}
	for field, val := range map[string]string{
		"name": req.Name, "host": req.Host, "database": req.Database, "user": req.User,
	} {
		if val == "" {
			h.respondError(w, ErrMissingField, field+" is required", http.StatusBadRequest, nil)
			return
		}
	}

	saved, err := h.store.Add(req.Name, connections.Profile{
		Host:        req.Host,
		Database:    req.Database,
		User:        req.User,
		Password:    req.Password,
		Port:        req.Port,
		Description: req.Description,
	})
	if err != nil {
		h.respondError(w, ErrStoreError, "Failed to save connection", http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, saved)
}

type deleteConnectionData struct {
	Deleted string `json:"deleted"`
}

func (h *Handler) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.store.Delete(name); err != nil {
		if errors.Is(err, connections.ErrNotFound) {
			h.respondError(w, ErrNotFound, "Connection not found", http.StatusNotFound, nil)
			return
		}
		h.respondError(w, ErrStoreError, "Failed to delete connection", http.StatusInternalServerError, err)
		return
	}

	h.mu.Lock()
	if h.active == name {
		h.active = ""
	}
	h.mu.Unlock()

	respondJSON(w, deleteConnectionData{Deleted: name})
}

type testConnectionRequest struct {
	Host     string `json:"host"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

type testConnectionData struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

func (h *Handler) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}
	if req.Port == 0 {
		req.Port = 5432
	}

	connString := connections.BuildConnString(connections.Profile{
		Host:     req.Host,
		Database: req.Database,
		User:     req.User,
		Password: req.Password,
		Port:     req.Port,
	})
	version, err := h.pingDatabase(r.Context(), connString)
	if err != nil {
		h.respondError(w, ErrConnectionError, "Connection test failed", http.StatusBadGateway, err)
		return
	}
	respondJSON(w, testConnectionData{Message: "Connection successful", Version: version})
}

type activateConnectionData struct {
	ActiveConnection string `json:"active_connection"`
}

func (h *Handler) handleActivateConnection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	connString, err := h.store.ConnString(name)
	if errors.Is(err, connections.ErrNotFound) {
		h.respondError(w, ErrNotFound, "Connection not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		h.respondError(w, ErrStoreError, "Failed to load connection", http.StatusInternalServerError, err)
		return
	}

	if _, err := h.pingDatabase(r.Context(), connString); err != nil {
		h.respondError(w, ErrConnectionError, "Connection test failed", http.StatusBadGateway, err)
		return
	}

	h.mu.Lock()
	h.active = name
	h.mu.Unlock()

	// A snapshot cached for the previous database must not leak into
	// this one.
	if err := h.cache.Clear(); err != nil {
		log.Printf("[WARN] clearing metadata cache on activate: %v", err)
	}

	respondJSON(w, activateConnectionData{ActiveConnection: name})
}

// pingDatabase opens a short-lived connection and fetches the server
// version string.
func (h *Handler) pingDatabase(ctx context.Context, connString string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return "", err
	}
	defer conn.Close(ctx)

	var version string
	if err := conn.QueryRow(ctx, `SELECT version()`).Scan(&version); err != nil {
		return "", err
	}
	return version, nil
}

type schemaData struct {
	Schema string `json:"schema"`
}

func (h *Handler) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.extractSnapshot(w, r, metadata.ExtractOptions{UseCache: true})
	if !ok {
		return
	}
	respondJSON(w, schemaData{Schema: metadata.FormatForAI(snap)})
}

func (h *Handler) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.extractSnapshot(w, r, metadata.ExtractOptions{
		IncludeSamples:    true,
		SampleRows:        h.config.SampleRows,
		IncludeStatistics: true,
		UseCache:          true,
	})
	if !ok {
		return
	}
	respondJSON(w, snap)
}

type refreshData struct {
	Message     string `json:"message"`
	TotalTables int    `json:"total_tables"`
	TotalViews  int    `json:"total_views"`
}

func (h *Handler) handleRefreshMetadata(w http.ResponseWriter, r *http.Request) {
	ext, err := h.extractor()
	if err != nil {
		h.respondNoActive(w, err)
		return
	}
	if err := ext.ClearCache(); err != nil {
		log.Printf("[WARN] clearing metadata cache: %v", err)
	}

	snap, err := ext.Extract(r.Context(), metadata.ExtractOptions{
		IncludeSamples:    true,
		SampleRows:        h.config.SampleRows,
		IncludeStatistics: true,
		UseCache:          false,
	})
	if err != nil {
		h.respondExtractError(w, err)
		return
	}
	if err := h.cache.Put(snap); err != nil {
		log.Printf("[WARN] caching refreshed metadata: %v", err)
	}
	respondJSON(w, refreshData{
		Message:     "Metadata refreshed",
		TotalTables: snap.TotalTables,
		TotalViews:  snap.TotalViews,
	})
}

type queryRequest struct {
	Question string `json:"question"`
}

type queryResponse struct {
	SQL      string           `json:"sql"`
	Results  []map[string]any `json:"results"`
	RowCount int              `json:"row_count"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !h.decodeJSONBody(w, r, &req) {
		return
	}
	if req.Question == "" {
		h.respondError(w, ErrMissingField, "question is required", http.StatusBadRequest, nil)
		return
	}

	connString, _, err := h.activeProfile()
	if err != nil {
		h.respondNoActive(w, err)
		return
	}

	snap, ok := h.extractSnapshot(w, r, metadata.ExtractOptions{UseCache: true})
	if !ok {
		return
	}

	sql, err := h.sqlgen.GenerateSQL(r.Context(), req.Question, metadata.FormatForAI(snap))
	if errors.Is(err, ai.ErrForbiddenSQL) {
		h.respondError(w, ErrForbiddenSQL, "Query contains forbidden operations", http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.respondError(w, ErrGenerateError, "Failed to generate SQL", http.StatusBadGateway, err)
		return
	}

	results, err := h.executeQuery(r.Context(), connString, sql)
	if err != nil {
		h.respondError(w, ErrQueryError, "Query execution failed", http.StatusBadRequest, err)
		return
	}
	respondJSON(w, queryResponse{SQL: sql, Results: results, RowCount: len(results)})
}

// extractSnapshot runs an extraction for the active profile, mapping
// errors to API responses. The bool is false when a response has
// already been written.
func (h *Handler) extractSnapshot(w http.ResponseWriter, r *http.Request, opts metadata.ExtractOptions) (*metadata.Snapshot, bool) {
	ext, err := h.extractor()
	if err != nil {
		h.respondNoActive(w, err)
		return nil, false
	}
	snap, err := ext.Extract(r.Context(), opts)
	if err != nil {
		h.respondExtractError(w, err)
		return nil, false
	}
	return snap, true
}

func (h *Handler) respondNoActive(w http.ResponseWriter, err error) {
	if errors.Is(err, connections.ErrNotFound) {
		h.respondError(w, ErrNotFound, "Active connection not found", http.StatusNotFound, err)
		return
	}
	h.respondError(w, ErrNoActiveConn, "No active database connection", http.StatusBadRequest, err)
}

func (h *Handler) respondExtractError(w http.ResponseWriter, err error) {
	if errors.Is(err, metadata.ErrConnect) {
		h.respondError(w, ErrConnectionError, "Database connection failed", http.StatusBadGateway, err)
		return
	}
	h.respondError(w, ErrSchemaError, "Failed to extract metadata", http.StatusInternalServerError, err)
}

// executeQuery runs generated SQL on a scoped connection and collects
// the rows as field-name-to-value maps.
func (h *Handler) executeQuery(ctx context.Context, connString, sql string) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.QueryTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	results := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = metadata.NormalizeValue(values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}
