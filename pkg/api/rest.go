package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandboxrunner/metric-store/pkg/monitoring"
	"github.com/sandboxrunner/metric-store/pkg/store"
	"github.com/sandboxrunner/metric-store/pkg/stream"
)

// RequestIDHeader carries the per-request id on every response.
const RequestIDHeader = "X-Request-ID"

const (
	nonFiniteMessage    = "Statistic is not a finite number and cannot be represented in JSON."
	encodeFailedMessage = "Failed to encode response"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RESTAPIConfig holds REST API configuration
type RESTAPIConfig struct {
	// BasePath prefixes the OpenAPI document and the versioned routes.
	BasePath string
	// EnableVersioning mirrors every route under BasePath/v1.
	EnableVersioning bool
	// EnableWatch exposes GET /metric/{name}/watch when a hub is supplied.
	EnableWatch bool
}

// DefaultRESTAPIConfig returns default REST API configuration
func DefaultRESTAPIConfig() RESTAPIConfig {
	return RESTAPIConfig{
		BasePath:         "/api",
		EnableVersioning: true,
		EnableWatch:      true,
	}
}

// RESTAPI exposes a store.Repository over HTTP
type RESTAPI struct {
	config      RESTAPIConfig
	repo        store.Repository
	hub         *stream.Hub
	tracing     *monitoring.TracingManager
	router      *mux.Router
	logger      zerolog.Logger
	openAPISpec *OpenAPISpec

	registerSchema *gojsonschema.Schema
	insertSchema   *gojsonschema.Schema
}

// NewRESTAPI creates a new REST API instance. hub and tracing may be nil.
func NewRESTAPI(config RESTAPIConfig, repo store.Repository, hub *stream.Hub, tracing *monitoring.TracingManager, logger zerolog.Logger) (*RESTAPI, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if hub == nil {
		config.EnableWatch = false
	}
	if tracing == nil {
		// a disabled manager never fails
		tracing, _ = monitoring.NewTracingManager(context.Background(), nil, logger)
	}

	registerSchema, err := compileSchema(registerMetricSchema())
	if err != nil {
		return nil, err
	}
	insertSchema, err := compileSchema(insertSampleSchema())
	if err != nil {
		return nil, err
	}

	api := &RESTAPI{
		config:         config,
		repo:           repo,
		hub:            hub,
		tracing:        tracing,
		router:         mux.NewRouter(),
		logger:         logger.With().Str("component", "api").Logger(),
		openAPISpec:    generateOpenAPISpec(config),
		registerSchema: registerSchema,
		insertSchema:   insertSchema,
	}

	api.setupRoutes()
	return api, nil
}

func compileSchema(s *OpenAPISchema) (*gojsonschema.Schema, error) {
	data, err := schemaJSON(s)
	if err != nil {
		return nil, err
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// GetRouter returns the configured router
func (api *RESTAPI) GetRouter() *mux.Router {
	return api.router
}

// setupRoutes configures all REST API routes
func (api *RESTAPI) setupRoutes() {
	api.RegisterRoutes(api.router)
}

// RegisterRoutes mounts the API on router
func (api *RESTAPI) RegisterRoutes(router *mux.Router) {
	router.Use(api.requestIDMiddleware)

	router.HandleFunc(api.config.BasePath+"/openapi.json", api.handleOpenAPISpec).Methods("GET")

	if api.config.EnableVersioning {
		v1Router := router.PathPrefix(api.config.BasePath + "/v1").Subrouter()
		api.setupV1Routes(v1Router)
	}

	api.setupV1Routes(router)
}

// setupV1Routes configures version 1 API routes
func (api *RESTAPI) setupV1Routes(router *mux.Router) {
	router.HandleFunc("/metric", api.handleListMetrics).Methods("GET")
	router.HandleFunc("/metric", api.handleRegisterMetric).Methods("POST")

	if api.config.EnableWatch {
		router.HandleFunc("/metric/{name}/watch", api.handleWatchMetric).Methods("GET")
	}

	router.HandleFunc("/metric/{name}", api.handleGetMetric).Methods("GET")
	router.HandleFunc("/metric/{name}", api.handleInsertSample).Methods("POST")
}

// Metric handlers

func (api *RESTAPI) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	names := api.repo.ListMetricNames()
	api.tracing.SetAttributes(r.Context(), attribute.Int("metric.count", len(names)))
	api.writeJSONResponse(w, http.StatusOK, names)
}

func (api *RESTAPI) handleRegisterMetric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.writeErrorResponse(w, r, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	name := strings.TrimSpace(string(body))
	if isJSON(r) {
		var req RegisterMetricRequest
		if err := api.decodeValidated(api.registerSchema, body, &req); err != nil {
			api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		name = req.Name
	}

	api.tracing.SetAttributes(ctx, attribute.String("metric.name", name))

	created, err := api.repo.RegisterMetric(name)
	if err != nil {
		api.tracing.RecordError(ctx, err)
		api.writeErrorResponse(w, r, statusFor(err), "Metric cannot be null or empty", err)
		return
	}
	if !created {
		api.tracing.SetAttributes(ctx, attribute.String("metric.outcome", "exists"))
		api.writeErrorResponse(w, r, http.StatusExpectationFailed, "Metric Already Exists.", nil)
		return
	}

	api.tracing.SetAttributes(ctx, attribute.String("metric.outcome", "created"))
	api.logger.Debug().Str("metric", name).Msg("Metric registered")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, name)
}

func (api *RESTAPI) handleInsertSample(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]
	api.tracing.SetAttributes(ctx, attribute.String("metric.name", name))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.writeErrorResponse(w, r, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	var req InsertSampleRequest
	if err := api.decodeValidated(api.insertSchema, body, &req); err != nil {
		api.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	api.tracing.SetAttributes(ctx, attribute.Float64("metric.value", req.Value))

	inserted, err := api.repo.InsertSample(name, req.Value)
	if err != nil {
		api.tracing.RecordError(ctx, err)
		api.writeErrorResponse(w, r, statusFor(err), "Sample rejected", err)
		return
	}
	if !inserted {
		api.writeErrorResponse(w, r, http.StatusBadRequest, notExistMessage(name), nil)
		return
	}

	series, err := api.repo.Series(name)
	if err != nil {
		api.tracing.RecordError(ctx, err)
		api.writeErrorResponse(w, r, statusFor(err), readErrorMessage(name, err), err)
		return
	}

	api.tracing.SetAttributes(ctx, attribute.Int("metric.samples", len(series)))
	api.writeJSONResponse(w, http.StatusOK, series)
}

func (api *RESTAPI) handleGetMetric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]
	stat := r.URL.Query().Get("stat")

	api.tracing.SetAttributes(ctx,
		attribute.String("metric.name", name),
		attribute.String("metric.statistic", stat),
	)

	if stat == "" {
		series, err := api.repo.Series(name)
		if err != nil {
			api.tracing.RecordError(ctx, err)
			api.writeErrorResponse(w, r, statusFor(err), readErrorMessage(name, err), err)
			return
		}
		api.writeJSONResponse(w, http.StatusOK, series)
		return
	}

	result, err := api.repo.Statistic(name, stat)
	if err != nil {
		api.tracing.RecordError(ctx, err)
		api.writeErrorResponse(w, r, statusFor(err), readErrorMessage(name, err), err)
		return
	}

	// JSON has no encoding for NaN or ±Inf; a sum of large samples overflows
	if math.IsInf(result, 0) || math.IsNaN(result) {
		err := fmt.Errorf("%s of %q evaluated to %v", stat, name, result)
		api.tracing.RecordError(ctx, err)
		api.writeErrorResponse(w, r, http.StatusUnprocessableEntity, nonFiniteMessage, err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, result)
}

func (api *RESTAPI) handleWatchMetric(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	api.tracing.SetAttributes(r.Context(), attribute.String("metric.name", name))

	if _, err := api.repo.Len(name); err != nil {
		api.writeErrorResponse(w, r, statusFor(err), readErrorMessage(name, err), err)
		return
	}

	// Serve writes its own response when the upgrade fails
	if err := api.hub.Serve(w, r, name); err != nil {
		api.logger.Warn().Err(err).Str("metric", name).Msg("Watch upgrade failed")
	}
}

func (api *RESTAPI) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	api.writeJSONResponse(w, http.StatusOK, api.openAPISpec)
}

// Middleware functions

func (api *RESTAPI) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		api.tracing.SetAttributes(r.Context(), attribute.String("http.request.id", id))
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Helper functions

// decodeValidated checks body against schema and decodes it into v.
func (api *RESTAPI) decodeValidated(schema *gojsonschema.Schema, body []byte, v interface{}) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	return nil
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func notExistMessage(name string) string {
	return "Metric Name : " + name + " does not exist."
}

func readErrorMessage(name string, err error) string {
	switch {
	case errors.Is(err, store.ErrNotRecognized):
		return "No Supported Statistic Requested. Please add ?stat=mean|median|min|max to url."
	case errors.Is(err, store.ErrNotFound):
		return notExistMessage(name)
	default:
		return "Failed to read metric"
	}
}

// statusFor maps store errors onto HTTP status codes. Unknown metrics
// are a client error on this API, not a 404.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidArgument),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrNotRecognized):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// writeJSONResponse encodes before writing the header so an encoding
// failure still reaches the client as a 500.
func (api *RESTAPI) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		api.logger.Error().Err(err).Int("status", status).Msg("Failed to encode JSON response")
		status = http.StatusInternalServerError
		body = []byte(fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, status, encodeFailedMessage))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func (api *RESTAPI) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	errorResponse := ErrorResponse{
		Error: Error{
			Code:      status,
			Message:   message,
			Timestamp: time.Now(),
			RequestID: requestIDFrom(r.Context()),
		},
	}

	if err != nil {
		errorResponse.Error.Details = err.Error()
		event := api.logger.Warn()
		if status >= http.StatusInternalServerError {
			event = api.logger.Error()
		}
		event.Err(err).
			Str("request_id", errorResponse.Error.RequestID).
			Str("message", message).
			Msg("API error")
	}

	api.writeJSONResponse(w, status, errorResponse)
}
