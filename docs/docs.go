// Package docs registers the OpenAPI description served under /swagger/.
// Keep it in sync with the handler annotations (swag init -g cmd/pipeline-api/main.go).
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/runs": {
            "get": {
                "description": "Get every run with its current status, newest first",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "List runs",
                "responses": {
                    "200": {"description": "List of runs", "schema": {"type": "array", "items": {"$ref": "#/definitions/model.RunSummary"}}},
                    "500": {"description": "Internal server error", "schema": {"type": "object", "additionalProperties": true}}
                }
            },
            "post": {
                "description": "Start an asynchronous ranking run with the server configuration",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Start a run",
                "responses": {
                    "202": {"description": "Run started", "schema": {"type": "object", "additionalProperties": true}},
                    "409": {"description": "A run is already in progress", "schema": {"type": "object", "additionalProperties": true}},
                    "500": {"description": "Internal server error", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/runs/{id}": {
            "get": {
                "description": "Retrieve the status and configuration of a run",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run",
                "parameters": [{"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Run details", "schema": {"$ref": "#/definitions/model.RunSummary"}},
                    "404": {"description": "Run not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/runs/{id}/errors": {
            "get": {
                "description": "Retrieve the fatal errors recorded for a run",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run errors",
                "parameters": [{"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Run errors", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Run not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/runs/{id}/stages": {
            "get": {
                "description": "Retrieve the timing and record counts of every stage of a run",
                "produces": ["application/json"],
                "tags": ["runs"],
                "summary": "Get run stages",
                "parameters": [{"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Run stages", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Run not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/runs/{id}/files": {
            "get": {
                "description": "List every artifact written by a run with its download URL",
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "Get run files",
                "parameters": [{"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Run files", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "Run not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/download/{id}/{file}": {
            "get": {
                "description": "Download an output file of a run; tag files are addressed by their path inside the run",
                "produces": ["application/octet-stream"],
                "tags": ["files"],
                "summary": "Download file",
                "parameters": [
                    {"type": "string", "description": "Run ID", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "File path inside the run", "name": "file", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "File download", "schema": {"type": "file"}},
                    "400": {"description": "Invalid path", "schema": {"type": "object", "additionalProperties": true}},
                    "404": {"description": "File not found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "Service is up", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "definitions": {
        "model.RunSummary": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "status": {"type": "string"},
                "spec": {"type": "object"},
                "products": {"type": "integer"},
                "orders": {"type": "integer"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "merch-rank API",
	Description:      "Runs the merchandising rank pipeline and serves its outputs.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
