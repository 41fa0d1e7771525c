package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "LIMS Workflow API",
        "description": "Feasibility assessment and approval workflow engine",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Assessments", "description": "Per-item feasibility verdict ledger"},
        {"name": "Consultations", "description": "Consultation request rollup and lifecycle"},
        {"name": "Approvals", "description": "Multi-step approval runs"}
    ],
    "paths": {
        "/assessments/{id}/submit": {
            "post": {
                "tags": ["Assessments"],
                "summary": "Submit a feasibility verdict",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitVerdictRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation or state conflict", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/assessments/{id}": {
            "put": {
                "tags": ["Assessments"],
                "summary": "Modify a submitted verdict",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ModifyVerdictRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/assessments/items/{id}/reassess": {
            "post": {
                "tags": ["Assessments"],
                "summary": "Reopen assessment for one item",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReassessItemRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/assessments/items/{id}/history": {
            "get": {
                "tags": ["Assessments"],
                "summary": "List all assessment rounds of an item",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/consultations/{id}": {
            "get": {
                "tags": ["Consultations"],
                "summary": "Get the aggregated consultation summary",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/consultations/{id}/reassess": {
            "post": {
                "tags": ["Consultations"],
                "summary": "Reopen a failed consultation as a whole",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReassessConsultationRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/consultations/{id}/close": {
            "post": {
                "tags": ["Consultations"],
                "summary": "Close a consultation request",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/CloseConsultationRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/approvals": {
            "post": {
                "tags": ["Approvals"],
                "summary": "Start an approval run for a business object",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitApprovalRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/approvals/{id}": {
            "get": {
                "tags": ["Approvals"],
                "summary": "Get an approval instance with its flow",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "patch": {
                "tags": ["Approvals"],
                "summary": "Apply an approver decision",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ApprovalActionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Approvals"],
                "summary": "Withdraw a pending approval instance",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/approvals/{id}/records": {
            "get": {
                "tags": ["Approvals"],
                "summary": "List the action ledger of an approval instance",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "SubmitVerdictRequest": {
            "type": "object",
            "required": ["feasibility"],
            "properties": {
                "feasibility": {"type": "string", "enum": ["feasible", "infeasible", "conditional"]},
                "feasibilityNote": {"type": "string"}
            }
        },
        "ModifyVerdictRequest": {
            "type": "object",
            "required": ["conclusion"],
            "properties": {
                "conclusion": {"type": "string", "enum": ["feasible", "infeasible", "conditional"]},
                "feedback": {"type": "string"}
            }
        },
        "ReassessItemRequest": {
            "type": "object",
            "required": ["assessorId", "assessorName"],
            "properties": {
                "assessorId": {"type": "string"},
                "assessorName": {"type": "string"},
                "modifiedData": {
                    "type": "object",
                    "properties": {
                        "sampleName": {"type": "string"},
                        "testCode": {"type": "string"},
                        "quantity": {"type": "integer"}
                    }
                }
            }
        },
        "ReassessConsultationRequest": {
            "type": "object",
            "required": ["assessors"],
            "properties": {
                "assessors": {
                    "type": "array",
                    "items": {
                        "type": "object",
                        "required": ["id", "name"],
                        "properties": {
                            "id": {"type": "string"},
                            "name": {"type": "string"}
                        }
                    }
                },
                "consultationData": {
                    "type": "object",
                    "properties": {
                        "requirement": {"type": "string"}
                    }
                }
            }
        },
        "CloseConsultationRequest": {
            "type": "object",
            "properties": {
                "closeReason": {"type": "string"}
            }
        },
        "SubmitApprovalRequest": {
            "type": "object",
            "required": ["bizType", "bizId"],
            "properties": {
                "bizType": {"type": "string"},
                "bizId": {"type": "string"}
            }
        },
        "ApprovalActionRequest": {
            "type": "object",
            "required": ["action"],
            "properties": {
                "action": {"type": "string", "enum": ["approve", "reject", "issue"]},
                "comment": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
