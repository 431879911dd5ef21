// Package docs registers the OpenAPI description served under /swagger.
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
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/auth/token": {
            "post": {
                "description": "Exchanges the device token (the same one AUTH uses on the command port) for a bearer token.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Issue API token",
                "parameters": [
                    {"description": "device token", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.TokenRequest"}}
                ],
                "responses": {
                    "200": {"description": "token", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/api/v1/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Coordinator mode, control-path proof, running image, rollback flag, failure streak, recovery channel state and the latest alert.",
                "produces": ["application/json"],
                "tags": ["device"],
                "summary": "Device status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.DeviceStatus"}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "500": {"description": "Internal Server Error", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/api/v1/alerts": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Alert history filtered by date and code. A date-only 'to' covers the whole day.",
                "produces": ["application/json"],
                "tags": ["alerts"],
                "summary": "List alerts",
                "parameters": [
                    {"type": "string", "example": "2025-08-01", "description": "Start of range", "name": "from", "in": "query"},
                    {"type": "string", "example": "2025-08-31", "description": "End of range. Date-only treated as end of day.", "name": "to", "in": "query"},
                    {"enum": ["OTA_APPLY_FAIL", "OTA_VERIFY_FAIL", "ROLLBACK_EXECUTED", "WATCHDOG_RESET", "FLASH_WRITE_ERROR", "FS_MOUNT_FAIL", "IMAGE_INVALID", "TCP_FATAL", "BLE_FATAL"], "type": "string", "description": "Alert code", "name": "code", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "count, alerts", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "500": {"description": "Internal Server Error", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/api/v1/escalate": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Queues a switch to the recovery channel. Only accepted while the device is waiting for a control path.",
                "produces": ["application/json"],
                "tags": ["device"],
                "summary": "Escalate to recovery",
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "409": {"description": "Conflict", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/ws/alerts": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Websocket. Pushes the latest alert on connect, then every new alert. A newer connection takes over the stream.",
                "tags": ["alerts"],
                "summary": "Alert stream",
                "responses": {}
            }
        }
    },
    "definitions": {
        "handlers.TokenRequest": {
            "type": "object",
            "required": ["token"],
            "properties": {
                "token": {"type": "string", "example": "hunter2"}
            }
        },
        "models.AlertRecord": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "seq": {"type": "integer"},
                "code": {"type": "string"},
                "detail": {"type": "string"},
                "raised_at": {"type": "string"}
            }
        },
        "models.Slot": {
            "type": "object",
            "properties": {
                "label": {"type": "string"},
                "index": {"type": "integer"},
                "size": {"type": "integer"}
            }
        },
        "models.DeviceStatus": {
            "type": "object",
            "properties": {
                "mode": {"type": "string", "enum": ["STARTUP", "WAIT_CONTROL", "NORMAL", "RECOVERY"]},
                "control_proven": {"type": "boolean"},
                "running_slot": {"$ref": "#/definitions/models.Slot"},
                "image_state": {"type": "string", "enum": ["UNDEFINED", "NEW", "PENDING_VERIFY", "VALID", "INVALID", "ABORTED"]},
                "post_rollback": {"type": "boolean"},
                "failure_streak": {"type": "integer"},
                "monitor_latched": {"type": "boolean"},
                "recovery_state": {"type": "string"},
                "latest_alert": {"$ref": "#/definitions/models.AlertRecord"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "lifeboat diagnostics API",
	Description:      "Mode, image and alert diagnostics for the update-resilience daemon.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
