package api

import (
	"encoding/json"
	"fmt"

	"github.com/sandboxrunner/metric-store/pkg/store"
)

// OpenAPISpec represents the OpenAPI 3.0 specification
type OpenAPISpec struct {
	OpenAPI    string                 `json:"openapi"`
	Info       OpenAPIInfo            `json:"info"`
	Servers    []OpenAPIServer        `json:"servers,omitempty"`
	Paths      map[string]OpenAPIPath `json:"paths"`
	Components OpenAPIComponents      `json:"components,omitempty"`
	Tags       []OpenAPITag           `json:"tags,omitempty"`
}

// OpenAPIInfo contains API information
type OpenAPIInfo struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	TermsOfService string          `json:"termsOfService,omitempty"`
	Contact        *OpenAPIContact `json:"contact,omitempty"`
	License        *OpenAPILicense `json:"license,omitempty"`
	Version        string          `json:"version"`
}

// OpenAPIContact contains contact information
type OpenAPIContact struct {
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Email string `json:"email,omitempty"`
}

// OpenAPILicense contains license information
type OpenAPILicense struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// OpenAPIServer represents a server
type OpenAPIServer struct {
	URL         string                           `json:"url"`
	Description string                           `json:"description,omitempty"`
	Variables   map[string]OpenAPIServerVariable `json:"variables,omitempty"`
}

// OpenAPIServerVariable represents a server variable
type OpenAPIServerVariable struct {
	Enum        []string `json:"enum,omitempty"`
	Default     string   `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
}

// OpenAPIPath represents paths and operations
type OpenAPIPath map[string]OpenAPIOperation

// OpenAPIOperation represents an HTTP operation
type OpenAPIOperation struct {
	Tags        []string                   `json:"tags,omitempty"`
	Summary     string                     `json:"summary,omitempty"`
	Description string                     `json:"description,omitempty"`
	OperationID string                     `json:"operationId,omitempty"`
	Parameters  []OpenAPIParameter         `json:"parameters,omitempty"`
	RequestBody *OpenAPIRequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]OpenAPIResponse `json:"responses"`
	Deprecated  bool                       `json:"deprecated,omitempty"`
}

// OpenAPIParameter represents a parameter
type OpenAPIParameter struct {
	Name            string         `json:"name"`
	In              string         `json:"in"`
	Description     string         `json:"description,omitempty"`
	Required        bool           `json:"required,omitempty"`
	Deprecated      bool           `json:"deprecated,omitempty"`
	AllowEmptyValue bool           `json:"allowEmptyValue,omitempty"`
	Schema          *OpenAPISchema `json:"schema,omitempty"`
	Example         interface{}    `json:"example,omitempty"`
}

// OpenAPIRequestBody represents a request body
type OpenAPIRequestBody struct {
	Description string                      `json:"description,omitempty"`
	Content     map[string]OpenAPIMediaType `json:"content"`
	Required    bool                        `json:"required,omitempty"`
}

// OpenAPIResponse represents a response
type OpenAPIResponse struct {
	Description string                      `json:"description"`
	Headers     map[string]OpenAPIHeader    `json:"headers,omitempty"`
	Content     map[string]OpenAPIMediaType `json:"content,omitempty"`
}

// OpenAPIHeader represents a header
type OpenAPIHeader struct {
	Description     string         `json:"description,omitempty"`
	Required        bool           `json:"required,omitempty"`
	Deprecated      bool           `json:"deprecated,omitempty"`
	AllowEmptyValue bool           `json:"allowEmptyValue,omitempty"`
	Schema          *OpenAPISchema `json:"schema,omitempty"`
}

// OpenAPIMediaType represents a media type
type OpenAPIMediaType struct {
	Schema   *OpenAPISchema            `json:"schema,omitempty"`
	Example  interface{}               `json:"example,omitempty"`
	Examples map[string]OpenAPIExample `json:"examples,omitempty"`
}

// OpenAPIExample represents an example
type OpenAPIExample struct {
	Summary       string      `json:"summary,omitempty"`
	Description   string      `json:"description,omitempty"`
	Value         interface{} `json:"value,omitempty"`
	ExternalValue string      `json:"externalValue,omitempty"`
}

// OpenAPISchema represents a schema
type OpenAPISchema struct {
	Type                 string                    `json:"type,omitempty"`
	Format               string                    `json:"format,omitempty"`
	Description          string                    `json:"description,omitempty"`
	Enum                 []interface{}             `json:"enum,omitempty"`
	Default              interface{}               `json:"default,omitempty"`
	Example              interface{}               `json:"example,omitempty"`
	Properties           map[string]*OpenAPISchema `json:"properties,omitempty"`
	Items                *OpenAPISchema            `json:"items,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties interface{}               `json:"additionalProperties,omitempty"`
	Ref                  string                    `json:"$ref,omitempty"`
	AllOf                []*OpenAPISchema          `json:"allOf,omitempty"`
	OneOf                []*OpenAPISchema          `json:"oneOf,omitempty"`
	AnyOf                []*OpenAPISchema          `json:"anyOf,omitempty"`
	Not                  *OpenAPISchema            `json:"not,omitempty"`
	Minimum              *float64                  `json:"minimum,omitempty"`
	Maximum              *float64                  `json:"maximum,omitempty"`
	MinLength            *int                      `json:"minLength,omitempty"`
	MaxLength            *int                      `json:"maxLength,omitempty"`
	Pattern              string                    `json:"pattern,omitempty"`
	MinItems             *int                      `json:"minItems,omitempty"`
	MaxItems             *int                      `json:"maxItems,omitempty"`
	UniqueItems          bool                      `json:"uniqueItems,omitempty"`
}

// OpenAPITag groups operations in the document
type OpenAPITag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// OpenAPIComponents holds reusable objects
type OpenAPIComponents struct {
	Schemas       map[string]*OpenAPISchema     `json:"schemas,omitempty"`
	Responses     map[string]OpenAPIResponse    `json:"responses,omitempty"`
	Parameters    map[string]OpenAPIParameter   `json:"parameters,omitempty"`
	Examples      map[string]OpenAPIExample     `json:"examples,omitempty"`
	RequestBodies map[string]OpenAPIRequestBody `json:"requestBodies,omitempty"`
	Headers       map[string]OpenAPIHeader      `json:"headers,omitempty"`
}

// generateOpenAPISpec generates the OpenAPI specification
func generateOpenAPISpec(config RESTAPIConfig) *OpenAPISpec {
	spec := &OpenAPISpec{
		OpenAPI: "3.0.3",
		Info: OpenAPIInfo{
			Title:       "metricd API",
			Description: "Register named metrics, record samples and read sorted series and summary statistics",
			Version:     "1.0.0",
			License: &OpenAPILicense{
				Name: "MIT",
				URL:  "https://opensource.org/licenses/MIT",
			},
		},
		Servers: []OpenAPIServer{
			{
				URL:         "{protocol}://{host}:{port}",
				Description: "metricd server",
				Variables: map[string]OpenAPIServerVariable{
					"protocol": {
						Enum:    []string{"http", "https"},
						Default: "http",
					},
					"host": {
						Default: "localhost",
					},
					"port": {
						Default: "8080",
					},
				},
			},
		},
		Tags: []OpenAPITag{
			{Name: "metrics", Description: "Metric registration and listing"},
			{Name: "samples", Description: "Sample insertion and series reads"},
			{Name: "statistics", Description: "Summary statistics over a series"},
			{Name: "stream", Description: "Live sample watch over WebSocket"},
		},
		Paths:      generatePaths(config),
		Components: generateComponents(),
	}

	return spec
}

func jsonContent(ref string) map[string]OpenAPIMediaType {
	return map[string]OpenAPIMediaType{
		"application/json": {Schema: &OpenAPISchema{Ref: "#/components/schemas/" + ref}},
	}
}

func errorResponse(description string) OpenAPIResponse {
	return OpenAPIResponse{Description: description, Content: jsonContent("ErrorResponse")}
}

// generatePaths generates the paths section of the OpenAPI spec. Every
// path is served both at the root and under the versioned prefix.
func generatePaths(config RESTAPIConfig) map[string]OpenAPIPath {
	paths := make(map[string]OpenAPIPath)

	nameParam := OpenAPIParameter{
		Name:        "name",
		In:          "path",
		Description: "Metric name",
		Required:    true,
		Schema:      &OpenAPISchema{Type: "string", MinLength: intPtr(1)},
	}

	paths["/metric"] = OpenAPIPath{
		"get": OpenAPIOperation{
			Tags:        []string{"metrics"},
			Summary:     "List metrics",
			Description: "Names of every registered metric",
			OperationID: "listMetrics",
			Responses: map[string]OpenAPIResponse{
				"200": {
					Description: "Registered metric names",
					Content: map[string]OpenAPIMediaType{
						"application/json": {Schema: &OpenAPISchema{Type: "array", Items: &OpenAPISchema{Type: "string"}}},
					},
				},
			},
		},
		"post": OpenAPIOperation{
			Tags:        []string{"metrics"},
			Summary:     "Register metric",
			Description: "Registers a metric with an empty series. The body is the raw name, or a JSON object when sent as application/json.",
			OperationID: "registerMetric",
			RequestBody: &OpenAPIRequestBody{
				Required: true,
				Content: map[string]OpenAPIMediaType{
					"text/plain":       {Schema: &OpenAPISchema{Type: "string", MinLength: intPtr(1)}},
					"application/json": {Schema: &OpenAPISchema{Ref: "#/components/schemas/RegisterMetricRequest"}},
				},
			},
			Responses: map[string]OpenAPIResponse{
				"201": {
					Description: "Metric created; the body echoes its name",
					Content: map[string]OpenAPIMediaType{
						"text/plain": {Schema: &OpenAPISchema{Type: "string"}},
					},
				},
				"400": errorResponse("Metric name was empty"),
				"417": errorResponse("Metric already exists"),
			},
		},
	}

	paths["/metric/{name}"] = OpenAPIPath{
		"get": OpenAPIOperation{
			Tags:        []string{"samples", "statistics"},
			Summary:     "Read series or statistic",
			Description: "Without stat, returns the sorted series. With stat, returns a single number.",
			OperationID: "getMetric",
			Parameters: []OpenAPIParameter{
				nameParam,
				{
					Name:        "stat",
					In:          "query",
					Description: "Statistic to compute (case-insensitive)",
					Schema:      &OpenAPISchema{Type: "string", Enum: statisticEnum()},
				},
			},
			Responses: map[string]OpenAPIResponse{
				"200": {
					Description: "Sorted series, or the requested statistic",
					Content: map[string]OpenAPIMediaType{
						"application/json": {Schema: &OpenAPISchema{OneOf: []*OpenAPISchema{
							{Ref: "#/components/schemas/Series"},
							{Type: "number"},
						}}},
					},
				},
				"400": errorResponse("Unknown metric or unsupported statistic"),
			},
		},
		"post": OpenAPIOperation{
			Tags:        []string{"samples"},
			Summary:     "Insert sample",
			Description: "Inserts one value into the series, keeping it sorted",
			OperationID: "insertSample",
			Parameters:  []OpenAPIParameter{nameParam},
			RequestBody: &OpenAPIRequestBody{
				Required: true,
				Content:  jsonContent("InsertSampleRequest"),
			},
			Responses: map[string]OpenAPIResponse{
				"200": {Description: "Full series after insertion", Content: jsonContent("Series")},
				"400": errorResponse("Unknown metric, invalid body or rejected value"),
			},
		},
	}

	if config.EnableWatch {
		paths["/metric/{name}/watch"] = OpenAPIPath{
			"get": OpenAPIOperation{
				Tags:        []string{"stream"},
				Summary:     "Watch samples",
				Description: "Upgrades to a WebSocket that receives one WatchEvent per inserted sample",
				OperationID: "watchMetric",
				Parameters:  []OpenAPIParameter{nameParam},
				Responses: map[string]OpenAPIResponse{
					"101": {Description: "Switching protocols", Content: jsonContent("WatchEvent")},
					"400": errorResponse("Unknown metric"),
				},
			},
		}
	}

	if !config.EnableVersioning {
		return paths
	}

	versioned := make(map[string]OpenAPIPath, 2*len(paths))
	for path, item := range paths {
		versioned[path] = item
		versioned[config.BasePath+"/v1"+path] = item
	}
	return versioned
}

// generateComponents generates the components section of the OpenAPI spec
func generateComponents() OpenAPIComponents {
	schemas := make(map[string]*OpenAPISchema)

	// Error response schema
	schemas["ErrorResponse"] = &OpenAPISchema{
		Type:     "object",
		Required: []string{"error"},
		Properties: map[string]*OpenAPISchema{
			"error": {Ref: "#/components/schemas/Error"},
		},
	}

	schemas["Error"] = &OpenAPISchema{
		Type:     "object",
		Required: []string{"code", "message", "timestamp"},
		Properties: map[string]*OpenAPISchema{
			"code":       {Type: "integer"},
			"message":    {Type: "string"},
			"details":    {Type: "string"},
			"timestamp":  {Type: "string", Format: "date-time"},
			"request_id": {Type: "string"},
		},
	}

	schemas["RegisterMetricRequest"] = registerMetricSchema()
	schemas["InsertSampleRequest"] = insertSampleSchema()

	schemas["Series"] = &OpenAPISchema{
		Type:        "array",
		Description: "Samples in non-decreasing order",
		Items:       &OpenAPISchema{Type: "number", Format: "double"},
	}

	schemas["WatchEvent"] = &OpenAPISchema{
		Type:     "object",
		Required: []string{"metric", "value", "count", "timestamp"},
		Properties: map[string]*OpenAPISchema{
			"metric":    {Type: "string"},
			"value":     {Type: "number", Format: "double"},
			"count":     {Type: "integer", Description: "Series length after the insertion"},
			"timestamp": {Type: "string", Format: "date-time"},
		},
	}

	return OpenAPIComponents{
		Schemas: schemas,
	}
}

// registerMetricSchema doubles as the gojsonschema document used to
// validate JSON registration bodies.
func registerMetricSchema() *OpenAPISchema {
	return &OpenAPISchema{
		Type:     "object",
		Required: []string{"name"},
		Properties: map[string]*OpenAPISchema{
			"name": {Type: "string", MinLength: intPtr(1)},
		},
	}
}

// insertSampleSchema doubles as the gojsonschema document used to
// validate sample bodies.
func insertSampleSchema() *OpenAPISchema {
	return &OpenAPISchema{
		Type:     "object",
		Required: []string{"value"},
		Properties: map[string]*OpenAPISchema{
			"value": {Type: "number", Format: "double"},
		},
	}
}

func statisticEnum() []interface{} {
	values := make([]interface{}, 0, len(store.SupportedStatistics))
	for _, s := range store.SupportedStatistics {
		values = append(values, string(s))
	}
	return values
}

func intPtr(i int) *int {
	return &i
}

// schemaJSON renders a schema as a standalone JSON document.
func schemaJSON(s *OpenAPISchema) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
