package openapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Param is a query parameter of an operation.
type Param struct {
	Name        string
	Type        string // "string" or "integer"
	Required    bool
	Description string
}

// Operation documents one route.
type Operation struct {
	Method    string
	Path      string // echo style, e.g. /healthIds/:hid/markUsed
	Summary   string
	Tag       string
	Roles     []string
	Query     []Param
	Responses map[int]Response
}

// Response is a documented status code. Schema names a component schema;
// empty means no body.
type Response struct {
	Description string
	Schema      string
	Array       bool
}

// Generator builds an OpenAPI 3.0 document from registered operations.
type Generator struct {
	title   string
	version string
	baseURL string
	ops     []Operation
	schemas map[string]interface{}
}

// NewGenerator creates a new OpenAPI spec generator.
func NewGenerator(title, version, baseURL string) *Generator {
	return &Generator{
		title:   title,
		version: version,
		baseURL: baseURL,
		schemas: map[string]interface{}{"Error": errorSchema()},
	}
}

// Add registers operations under basePath.
func (g *Generator) Add(basePath string, ops ...Operation) {
	for _, op := range ops {
		op.Path = basePath + op.Path
		g.ops = append(g.ops, op)
	}
}

// AddSchema registers a component schema.
func (g *Generator) AddSchema(name string, schema map[string]interface{}) {
	g.schemas[name] = schema
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := make(map[string]map[string]interface{})
	for _, op := range g.ops {
		path, pathParams := convertPath(op.Path)
		if paths[path] == nil {
			paths[path] = make(map[string]interface{})
		}
		paths[path][strings.ToLower(op.Method)] = g.buildOperation(op, pathParams)
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": g.schemas,
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
		},
	}
}

func (g *Generator) buildOperation(op Operation, pathParams []string) map[string]interface{} {
	params := make([]map[string]interface{}, 0, len(pathParams)+len(op.Query))
	for _, name := range pathParams {
		params = append(params, map[string]interface{}{
			"name":     name,
			"in":       "path",
			"required": true,
			"schema":   map[string]string{"type": "string"},
		})
	}
	for _, q := range op.Query {
		typ := q.Type
		if typ == "" {
			typ = "string"
		}
		p := map[string]interface{}{
			"name":     q.Name,
			"in":       "query",
			"required": q.Required,
			"schema":   map[string]string{"type": typ},
		}
		if q.Description != "" {
			p["description"] = q.Description
		}
		params = append(params, p)
	}

	responses := make(map[string]interface{}, len(op.Responses)+1)
	for code, r := range op.Responses {
		responses[strconv.Itoa(code)] = buildResponse(r)
	}
	if len(op.Roles) > 0 {
		responses["403"] = buildResponse(Response{Description: "Caller lacks a required role", Schema: "Error"})
	}

	out := map[string]interface{}{
		"summary":     op.Summary,
		"operationId": operationID(op),
		"parameters":  params,
		"responses":   responses,
	}
	if op.Tag != "" {
		out["tags"] = []string{op.Tag}
	}
	if len(op.Roles) > 0 {
		out["security"] = []map[string][]string{{"bearerAuth": op.Roles}}
		out["x-roles"] = op.Roles
	}
	return out
}

func buildResponse(r Response) map[string]interface{} {
	out := map[string]interface{}{"description": r.Description}
	if r.Schema == "" {
		return out
	}
	var schema map[string]interface{}
	ref := map[string]interface{}{"$ref": "#/components/schemas/" + r.Schema}
	if r.Array {
		schema = map[string]interface{}{"type": "array", "items": ref}
	} else {
		schema = ref
	}
	out["content"] = map[string]interface{}{
		"application/json": map[string]interface{}{"schema": schema},
	}
	return out
}

// convertPath rewrites echo ":param" segments as "{param}" and returns the
// parameter names in order.
func convertPath(path string) (string, []string) {
	segs := strings.Split(path, "/")
	var names []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			names = append(names, s[1:])
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/"), names
}

func operationID(op Operation) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(op.Method))
	for _, s := range strings.Split(op.Path, "/") {
		s = strings.TrimPrefix(s, ":")
		if s == "" || s == "api" || s == "v1" {
			continue
		}
		b.WriteString(strings.ToUpper(s[:1]) + s[1:])
	}
	return b.String()
}

func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]string{"type": "string"},
		},
	}
}

// ObjectSchema is a shorthand for an object schema with typed properties.
func ObjectSchema(props map[string]string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, typ := range props {
		switch typ {
		case "date-time":
			properties[name] = map[string]string{"type": "string", "format": "date-time"}
		case "string[]":
			properties[name] = map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}}
		default:
			properties[name] = map[string]string{"type": typ}
		}
	}
	return map[string]interface{}{"type": "object", "properties": properties}
}

// RegisterRoutes serves the document at /openapi.json.
func (g *Generator) RegisterRoutes(e *echo.Echo) {
	e.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
}
