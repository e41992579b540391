package api

import (
	"siterelay/internal/queue"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the command API.
func buildOpenAPIDoc() map[string]any {
	types := make([]string, 0, len(queue.CommandTypes))
	for _, ct := range queue.CommandTypes {
		types = append(types, string(ct))
	}

	bearer := []any{map[string]any{"BearerAuth": []string{}}}

	commandBody := map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{
					"type":     "object",
					"required": []string{"tenant_id", "command_type", "token"},
					"properties": map[string]any{
						"tenant_id":    map[string]any{"type": "string"},
						"command_type": map[string]any{"type": "string", "enum": types},
						"token":        map[string]any{"type": "string", "description": "timestamp:signature admission token"},
						"payload":      map[string]any{"type": "object"},
					},
				},
			},
		},
	}

	paths := map[string]any{
		"/api/v1/commands": map[string]any{
			"post": map[string]any{
				"operationId": "submitCommand",
				"summary":     "Submit a command for a tenant site",
				"requestBody": commandBody,
				"responses": map[string]any{
					"202": map[string]any{"description": "Command admitted"},
					"400": map[string]any{"description": "Bad request"},
					"401": map[string]any{"description": "Invalid or expired admission token"},
					"403": map[string]any{"description": "Plan does not include this command type"},
					"429": map[string]any{"description": "Cooldown active; see Retry-After"},
				},
			},
			"get": map[string]any{
				"operationId": "listCommands",
				"summary":     "List queued commands",
				"parameters": []any{
					queryParam("tenant_id", "string"),
					queryParam("status", "string"),
					queryParam("type", "string"),
					queryParam("limit", "integer"),
					queryParam("offset", "integer"),
				},
				"responses": map[string]any{"200": map[string]any{"description": "Command list"}},
				"security":  bearer,
			},
		},
		"/api/v1/commands/{commandID}": map[string]any{
			"get": map[string]any{
				"operationId": "getCommand",
				"summary":     "Fetch one command",
				"parameters":  []any{pathParam("commandID")},
				"responses": map[string]any{
					"200": map[string]any{"description": "Command"},
					"404": map[string]any{"description": "Not found"},
				},
				"security": bearer,
			},
		},
		"/api/v1/commands/{commandID}/retry": map[string]any{
			"post": map[string]any{
				"operationId": "retryCommand",
				"summary":     "Requeue a failed command, subject to its cooldown window",
				"parameters":  []any{pathParam("commandID")},
				"responses": map[string]any{
					"200": map[string]any{"description": "Command requeued"},
					"404": map[string]any{"description": "Not found"},
					"409": map[string]any{"description": "Command is not failed"},
					"429": map[string]any{"description": "Cooldown active"},
				},
				"security": bearer,
			},
		},
		"/api/v1/commands/{commandID}/cancel": map[string]any{
			"post": map[string]any{
				"operationId": "cancelCommand",
				"summary":     "Cancel a pending command",
				"parameters":  []any{pathParam("commandID")},
				"responses": map[string]any{
					"200": map[string]any{"description": "Command cancelled"},
					"404": map[string]any{"description": "Not found"},
					"409": map[string]any{"description": "Command is not pending"},
				},
				"security": bearer,
			},
		},
		"/api/v1/commands/retry-failed": map[string]any{
			"post": map[string]any{
				"operationId": "retryFailed",
				"summary":     "Requeue every failed command, optionally for one tenant",
				"responses":   map[string]any{"200": map[string]any{"description": "Retried and skipped counts"}},
				"security":    bearer,
			},
		},
		"/api/v1/stats": map[string]any{
			"get": map[string]any{
				"operationId": "getStats",
				"summary":     "Queue aggregates by status and type",
				"responses":   map[string]any{"200": map[string]any{"description": "Stats"}},
				"security":    bearer,
			},
		},
		"/api/v1/events": map[string]any{
			"get": map[string]any{
				"operationId": "streamEvents",
				"summary":     "Server-sent event stream of queue activity",
				"responses":   map[string]any{"200": map[string]any{"description": "text/event-stream"}},
				"security":    bearer,
			},
		},
		"/api/v1/tenants": map[string]any{
			"get": map[string]any{
				"operationId": "listTenants",
				"summary":     "Tenant directory without secrets",
				"responses":   map[string]any{"200": map[string]any{"description": "Tenant list"}},
				"security":    bearer,
			},
		},
		"/api/v1/admin/cleanup": map[string]any{
			"post": map[string]any{
				"operationId": "cleanup",
				"summary":     "Delete terminal commands older than N days",
				"responses": map[string]any{
					"200": map[string]any{"description": "Deletion count"},
					"400": map[string]any{"description": "Bad request"},
				},
				"security": bearer,
			},
		},
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and queue depth",
				"responses":   map[string]any{"200": map[string]any{"description": "OK"}},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Siterelay Controller",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func queryParam(name, typ string) map[string]any {
	return map[string]any{
		"name":   name,
		"in":     "query",
		"schema": map[string]any{"type": typ},
	}
}

func pathParam(name string) map[string]any {
	return map[string]any{
		"name":     name,
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}
}
