// Package docs registers the packetforge REST surface's swagger document
// with swaggo/swag, in the same generated-file shape `swag init`
// produces. The surface here is small enough to hand-maintain rather
// than run swag's code-scanning generator.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{.Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/stats": {
            "get": {
                "summary": "Telemetry snapshot",
                "tags": ["telemetry"],
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/metrics": {
            "get": {
                "summary": "Prometheus exposition",
                "tags": ["telemetry"],
                "produces": ["text/plain"],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/config": {
            "get": {
                "summary": "Read the live configuration",
                "tags": ["config"],
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}}
            },
            "put": {
                "summary": "Replace the live configuration",
                "tags": ["config"],
                "consumes": ["application/json"],
                "responses": {"200": {"description": "OK"}, "400": {"description": "invalid config"}}
            }
        },
        "/start": {
            "post": {
                "summary": "Arm traffic generation",
                "tags": ["run"],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/stop": {
            "post": {
                "summary": "Disarm traffic generation",
                "tags": ["run"],
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "packetforge management API",
	Description:      "Telemetry, configuration, and run control for a packetforge traffic-generation process.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
