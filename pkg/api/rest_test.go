package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/metric-store/pkg/store"
	"github.com/sandboxrunner/metric-store/pkg/stream"
)

// MockRepository is a testify mock of store.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) RegisterMetric(name string) (bool, error) {
	args := m.Called(name)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) ListMetricNames() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockRepository) InsertSample(name string, value float64) (bool, error) {
	args := m.Called(name, value)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) Series(name string) ([]float64, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float64), args.Error(1)
}

func (m *MockRepository) Len(name string) (int, error) {
	args := m.Called(name)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) Minimum(name string) (float64, error) {
	args := m.Called(name)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockRepository) Maximum(name string) (float64, error) {
	args := m.Called(name)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockRepository) Median(name string) (float64, error) {
	args := m.Called(name)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockRepository) Mean(name string) (float64, error) {
	args := m.Called(name)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockRepository) Statistic(name string, stat string) (float64, error) {
	args := m.Called(name, stat)
	return args.Get(0).(float64), args.Error(1)
}

func setupTestAPI(t *testing.T) (*RESTAPI, *store.MetricStore) {
	t.Helper()

	s, err := store.New(store.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	api, err := NewRESTAPI(DefaultRESTAPIConfig(), s, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	return api, s
}

func doRequest(api *RESTAPI, method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	api.GetRouter().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeSeries(t *testing.T, rec *httptest.ResponseRecorder) []float64 {
	t.Helper()
	var series []float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	return series
}

func TestNewRESTAPI_RequiresRepository(t *testing.T) {
	_, err := NewRESTAPI(DefaultRESTAPIConfig(), nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestRESTAPI_RegisterMetric(t *testing.T) {
	api, s := setupTestAPI(t)

	tests := []struct {
		name           string
		contentType    string
		body           string
		expectedStatus int
		expectedBody   string
		expectedError  string
	}{
		{
			name:           "plain text",
			contentType:    "text/plain",
			body:           "cpu",
			expectedStatus: http.StatusCreated,
			expectedBody:   "cpu",
		},
		{
			name:           "special characters",
			body:           "/!@#$%.",
			expectedStatus: http.StatusCreated,
			expectedBody:   "/!@#$%.",
		},
		{
			name:           "duplicate",
			contentType:    "text/plain",
			body:           "cpu",
			expectedStatus: http.StatusExpectationFailed,
			expectedError:  "Metric Already Exists.",
		},
		{
			name:           "empty body",
			body:           "",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Metric cannot be null or empty",
		},
		{
			name:           "json body",
			contentType:    "application/json; charset=utf-8",
			body:           `{"name":"mem"}`,
			expectedStatus: http.StatusCreated,
			expectedBody:   "mem",
		},
		{
			name:           "json empty name",
			contentType:    "application/json",
			body:           `{"name":""}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid request body",
		},
		{
			name:           "json malformed",
			contentType:    "application/json",
			body:           `{"name":`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(api, "POST", "/metric", tt.contentType, tt.body)
			assert.Equal(t, tt.expectedStatus, rec.Code)

			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, decodeError(t, rec).Error.Message)
				return
			}
			assert.Equal(t, tt.expectedBody, rec.Body.String())
		})
	}

	assert.ElementsMatch(t, []string{"/!@#$%.", "cpu", "mem"}, s.ListMetricNames())
}

func TestRESTAPI_ListMetrics(t *testing.T) {
	api, s := setupTestAPI(t)

	rec := doRequest(api, "GET", "/metric", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, rec.Body.String())

	_, _ = s.RegisterMetric("b")
	_, _ = s.RegisterMetric("a")

	rec = doRequest(api, "GET", "/metric", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestRESTAPI_InsertSample(t *testing.T) {
	api, s := setupTestAPI(t)
	_, _ = s.RegisterMetric("metric")

	rec := doRequest(api, "POST", "/metric/metric", "application/json", `{"value":3.0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []float64{3}, decodeSeries(t, rec))

	rec = doRequest(api, "POST", "/metric/metric", "application/json", `{"value":1.0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []float64{1, 3}, decodeSeries(t, rec))

	rec = doRequest(api, "POST", "/metric/metric", "application/json", `{"value":2.0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []float64{1, 2, 3}, decodeSeries(t, rec))
}

func TestRESTAPI_InsertSample_Errors(t *testing.T) {
	api, s := setupTestAPI(t)
	_, _ = s.RegisterMetric("metric")

	tests := []struct {
		name          string
		path          string
		body          string
		expectedError string
	}{
		{
			name:          "unknown metric",
			path:          "/metric/noExistMetric",
			body:          `{"value":1.0}`,
			expectedError: "Metric Name : noExistMetric does not exist.",
		},
		{
			name:          "missing value",
			path:          "/metric/metric",
			body:          `{}`,
			expectedError: "Invalid request body",
		},
		{
			name:          "non-numeric value",
			path:          "/metric/metric",
			body:          `{"value":"high"}`,
			expectedError: "Invalid request body",
		},
		{
			name:          "not json",
			path:          "/metric/metric",
			body:          `1.0`,
			expectedError: "Invalid request body",
		},
		{
			name:          "overflowing value",
			path:          "/metric/metric",
			body:          `{"value":1e400}`,
			expectedError: "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(api, "POST", tt.path, "application/json", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.expectedError, decodeError(t, rec).Error.Message)
		})
	}

	n, err := s.Len("metric")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRESTAPI_GetMetric(t *testing.T) {
	api, s := setupTestAPI(t)
	_, _ = s.RegisterMetric("metric")
	for _, v := range []float64{3, 1, 2} {
		_, _ = s.InsertSample("metric", v)
	}

	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{"series", "", `[1,2,3]`},
		{"empty stat", "?stat=", `[1,2,3]`},
		{"mean", "?stat=MeaN", `2`},
		{"median", "?stat=MedIan", `2`},
		{"min", "?stat=MiN", `1`},
		{"max", "?stat=Max", `3`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(api, "GET", "/metric/metric"+tt.query, "", "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, tt.expected, rec.Body.String())
		})
	}
}

func TestRESTAPI_GetMetric_EmptySeries(t *testing.T) {
	api, s := setupTestAPI(t)
	_, _ = s.RegisterMetric("idle")

	rec := doRequest(api, "GET", "/metric/idle", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, stat := range store.SupportedStatistics {
		rec = doRequest(api, "GET", "/metric/idle?stat="+string(stat), "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `0`, rec.Body.String())
	}
}

func TestRESTAPI_GetMetric_Errors(t *testing.T) {
	api, s := setupTestAPI(t)
	_, _ = s.RegisterMetric("metric")

	rec := doRequest(api, "GET", "/metric/metric?stat=NotReal", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No Supported Statistic Requested. Please add ?stat=mean|median|min|max to url.",
		decodeError(t, rec).Error.Message)

	rec = doRequest(api, "GET", "/metric/ghost", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Metric Name : ghost does not exist.", decodeError(t, rec).Error.Message)

	rec = doRequest(api, "GET", "/metric/ghost?stat=mean", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Metric Name : ghost does not exist.", decodeError(t, rec).Error.Message)

	// an unknown stat is reported even when the metric is also unknown
	rec = doRequest(api, "GET", "/metric/ghost?stat=mode", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, "No Supported Statistic")
}

func TestRESTAPI_GetMetric_OverflowingStatistic(t *testing.T) {
	api, s := setupTestAPI(t)
	_, _ = s.RegisterMetric("huge")

	for i := 0; i < 2; i++ {
		rec := doRequest(api, "POST", "/metric/huge", "application/json", `{"value":1.7e308}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	for _, stat := range []string{"mean", "median"} {
		t.Run(stat, func(t *testing.T) {
			rec := doRequest(api, "GET", "/metric/huge?stat="+stat, "", "")
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

			resp := decodeError(t, rec)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, "not a finite number")
			assert.Contains(t, resp.Error.Details, "+Inf")
		})
	}

	rec := doRequest(api, "GET", "/metric/huge?stat=max", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `1.7e308`, rec.Body.String())
}

func TestRESTAPI_UnencodableResponse(t *testing.T) {
	repo := new(MockRepository)
	api, err := NewRESTAPI(DefaultRESTAPIConfig(), repo, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	repo.On("Series", "raw").Return([]float64{math.Inf(-1), 1}, nil)
	repo.On("Statistic", "raw", "min").Return(math.NaN(), nil)

	rec := doRequest(api, "GET", "/metric/raw", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to encode response", decodeError(t, rec).Error.Message)

	rec = doRequest(api, "GET", "/metric/raw?stat=min", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Details, "NaN")

	repo.AssertExpectations(t)
}

func TestRESTAPI_VersionedRoutes(t *testing.T) {
	api, _ := setupTestAPI(t)

	rec := doRequest(api, "POST", "/api/v1/metric", "text/plain", "disk")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(api, "POST", "/api/v1/metric/disk", "application/json", `{"value":10}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(api, "GET", "/metric/disk?stat=max", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `10`, rec.Body.String())
}

func TestRESTAPI_VersioningDisabled(t *testing.T) {
	s, err := store.New(store.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	config := DefaultRESTAPIConfig()
	config.EnableVersioning = false
	api, err := NewRESTAPI(config, s, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	rec := doRequest(api, "GET", "/api/v1/metric", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(api, "GET", "/metric", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRESTAPI_OpenAPISpec(t *testing.T) {
	api, _ := setupTestAPI(t)

	rec := doRequest(api, "GET", "/api/openapi.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var spec OpenAPISpec
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))

	assert.Equal(t, "3.0.3", spec.OpenAPI)
	assert.Contains(t, spec.Paths, "/metric")
	assert.Contains(t, spec.Paths, "/metric/{name}")
	assert.Contains(t, spec.Paths, "/api/v1/metric/{name}")
	// no hub, no watch route
	assert.NotContains(t, spec.Paths, "/metric/{name}/watch")
	assert.Contains(t, spec.Components.Schemas, "InsertSampleRequest")

	tags := make([]string, 0, len(spec.Tags))
	for _, tag := range spec.Tags {
		tags = append(tags, tag.Name)
	}
	assert.ElementsMatch(t, []string{"metrics", "samples", "statistics", "stream"}, tags)
}

func TestRESTAPI_RequestID(t *testing.T) {
	api, _ := setupTestAPI(t)

	rec := doRequest(api, "GET", "/metric/ghost", "", "")
	generated := rec.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, decodeError(t, rec).Error.RequestID)

	req := httptest.NewRequest("GET", "/metric/ghost", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	api.GetRouter().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", decodeError(t, rec).Error.RequestID)
}

func TestRESTAPI_RepositoryErrors(t *testing.T) {
	repo := new(MockRepository)
	api, err := NewRESTAPI(DefaultRESTAPIConfig(), repo, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	rejected := fmt.Errorf("%w: value NaN rejected by policy reject_nan", store.ErrInvalidArgument)
	repo.On("InsertSample", "cpu", 1.5).Return(false, rejected)
	repo.On("Series", "cpu").Return(nil, errors.New("backend unavailable"))
	repo.On("Statistic", "cpu", "mean").Return(0.0, errors.New("backend unavailable"))

	rec := doRequest(api, "POST", "/metric/cpu", "application/json", `{"value":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Details, "rejected by policy")

	rec = doRequest(api, "GET", "/metric/cpu", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = doRequest(api, "GET", "/metric/cpu?stat=mean", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	repo.AssertExpectations(t)
}

func TestRESTAPI_WatchMetric(t *testing.T) {
	hub := stream.NewHub(stream.DefaultHubConfig(), zerolog.Nop())
	defer hub.Close()

	s, err := store.New(store.Config{Observers: []store.Observer{hub}}, zerolog.Nop())
	require.NoError(t, err)
	_, _ = s.RegisterMetric("cpu")

	api, err := NewRESTAPI(DefaultRESTAPIConfig(), s, hub, nil, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(api.GetRouter())
	defer srv.Close()

	// unknown metric is refused before the upgrade
	resp, err := http.Get(srv.URL + "/metric/ghost/watch")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/metric/cpu/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("cpu") == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Post(srv.URL+"/metric/cpu", "application/json", bytes.NewBufferString(`{"value":42}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev stream.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "cpu", ev.Metric)
	assert.Equal(t, 42.0, ev.Value)
	assert.Equal(t, 1, ev.Count)
}
