package openapi

import (
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

// Generate builds the OpenAPI 3.1 document for the gateway surface.
func Generate(baseURL string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Keygate API",
			Description: "Authenticating rate-limiting gateway in front of an upstream data API.",
			Version:     "1.0.0",
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}

	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
	doc.Components.Schemas["Quota"] = objectSchema(map[string]*openapi3.Schema{
		"plan":          {Type: &openapi3.Types{"string"}},
		"used":          {Type: &openapi3.Types{"integer"}},
		"limit_per_min": {Type: &openapi3.Types{"integer"}},
		"resets_in_sec": {Type: &openapi3.Types{"integer"}},
	})
	doc.Components.Schemas["Identity"] = objectSchema(map[string]*openapi3.Schema{
		"plan":          {Type: &openapi3.Types{"string"}},
		"limit_per_min": {Type: &openapi3.Types{"integer"}},
		"workspace":     {Type: &openapi3.Types{"string"}},
	})
	doc.Components.Schemas["PlanCatalogEntry"] = objectSchema(map[string]*openapi3.Schema{
		"name":          {Type: &openapi3.Types{"string"}},
		"label":         {Type: &openapi3.Types{"string"}},
		"description":   {Type: &openapi3.Types{"string"}},
		"limit_per_min": {Type: &openapi3.Types{"integer"}},
	})

	doc.Paths = openapi3.NewPaths()

	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "healthz",
			Summary:     "Liveness probe",
			Tags:        []string{"health"},
			Responses:   statusResponses(map[int]string{200: "Process is running"}),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "readyz",
			Summary:     "Readiness probe",
			Tags:        []string{"health"},
			Responses:   statusResponses(map[int]string{200: "Store and upstream reachable", 503: "A dependency is unreachable"}),
		},
	})

	doc.Paths.Set("/metrics", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "metrics",
			Summary:     "Live request counters since process start",
			Tags:        []string{"health"},
			Responses:   statusResponses(map[int]string{200: "In-process counters"}),
		},
	})

	doc.Paths.Set("/api/v1/plans", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listPlans",
			Summary:     "List the plan catalog",
			Tags:        []string{"gateway"},
			Responses:   statusResponses(map[int]string{200: "Plan catalog"}),
		},
	})
	doc.Paths.Set("/api/v1/quota", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getQuota",
			Summary:     "Inspect the caller's current window without consuming quota",
			Tags:        []string{"gateway"},
			Security:    securedBy("apiKey"),
			Responses:   jsonResponses("#/components/schemas/Quota", map[int]string{200: "Current window usage", 401: "Missing or invalid API key"}),
		},
	})
	doc.Paths.Set("/api/v1/whoami", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "whoami",
			Summary:     "Describe the caller's plan, limit, and workspace",
			Tags:        []string{"gateway"},
			Security:    securedBy("apiKey"),
			Responses:   jsonResponses("#/components/schemas/Identity", map[int]string{200: "Caller identity", 401: "Missing or invalid API key"}),
		},
	})
	doc.Paths.Set("/api/v1/data/{path}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{
			{Value: &openapi3.Parameter{
				Name:     "path",
				In:       "path",
				Required: true,
				Schema:   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			}},
		},
		Get:  proxyOperation("proxyGet"),
		Post: proxyOperation("proxyPost"),
	})

	doc.Paths.Set("/api/v1/system/admin/session", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "adminLogin",
			Summary:     "Authenticate an admin and issue a session token",
			Tags:        []string{"system"},
			Responses:   statusResponses(map[int]string{200: "Session issued", 401: "Invalid credentials"}),
		},
		Delete: &openapi3.Operation{
			OperationID: "adminLogout",
			Summary:     "Invalidate the current session",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{200: "Session invalidated"}),
		},
	})
	doc.Paths.Set("/api/v1/system/key", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listKeys",
			Summary:     "List credentials",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{200: "Credential list"}),
		},
		Post: &openapi3.Operation{
			OperationID: "createKey",
			Summary:     "Create a credential; the plaintext key is returned once",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{201: "Credential created", 400: "Unknown plan"}),
		},
	})
	doc.Paths.Set("/api/v1/system/key/{keyId}", &openapi3.PathItem{
		Parameters: keyIDParameter(),
		Get: &openapi3.Operation{
			OperationID: "getKey",
			Summary:     "Get a credential by ID",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{200: "Credential", 404: "Not found"}),
		},
		Delete: &openapi3.Operation{
			OperationID: "revokeKey",
			Summary:     "Revoke a credential",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{200: "Revoked", 404: "Not found"}),
		},
	})
	doc.Paths.Set("/api/v1/system/key/{keyId}/rotate", &openapi3.PathItem{
		Parameters: keyIDParameter(),
		Post: &openapi3.Operation{
			OperationID: "rotateKey",
			Summary:     "Atomically replace a credential; the new key is returned once",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{201: "New credential issued", 404: "Active credential not found"}),
		},
	})
	doc.Paths.Set("/api/v1/system/provision", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "provision",
			Summary:     "Grant a credential for an external event, exactly once per event ID",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{201: "Credential granted", 200: "Replay, original grant returned", 400: "Unknown plan or missing event ID"}),
		},
	})
	doc.Paths.Set("/api/v1/system/entitlement/{keyId}", &openapi3.PathItem{
		Parameters: keyIDParameter(),
		Get: &openapi3.Operation{
			OperationID: "getEntitlement",
			Summary:     "Describe a credential's plan, limit, and workspace",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{200: "Entitlement", 404: "Not found"}),
		},
	})
	doc.Paths.Set("/api/v1/system/usage", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getUsage",
			Summary:     "Aggregate per-key usage for a UTC day",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{200: "Usage summary"}),
		},
	})
	doc.Paths.Set("/api/v1/system/admin", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listAdmins",
			Summary:     "List admin accounts",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{200: "Admin list"}),
		},
		Post: &openapi3.Operation{
			OperationID: "createAdmin",
			Summary:     "Create an admin account",
			Tags:        []string{"system"},
			Security:    securedBy("bearerAuth"),
			Responses:   statusResponses(map[int]string{201: "Admin created", 409: "Email already exists"}),
		},
	})

	return doc
}

func proxyOperation(opID string) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: opID,
		Summary:     "Forward the request upstream, consuming one unit of quota",
		Tags:        []string{"gateway"},
		Security:    securedBy("apiKey"),
		Responses: statusResponses(map[int]string{
			200: "Upstream response, streamed",
			401: "Missing or invalid API key",
			429: "Plan quota exhausted for the current window",
			502: "Upstream unreachable",
			503: "Quota accounting unavailable",
			504: "Upstream timed out",
		}),
	}
}

func keyIDParameter() openapi3.Parameters {
	return openapi3.Parameters{
		{Value: &openapi3.Parameter{
			Name:     "keyId",
			In:       "path",
			Required: true,
			Schema:   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
		}},
	}
}

func securedBy(scheme string) *openapi3.SecurityRequirements {
	reqs := openapi3.SecurityRequirements{{scheme: {}}}
	return &reqs
}

func objectSchema(props map[string]*openapi3.Schema) *openapi3.SchemaRef {
	schemas := openapi3.Schemas{}
	for name, s := range props {
		schemas[name] = &openapi3.SchemaRef{Value: s}
	}
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: schemas,
		},
	}
}

// statusResponses builds a response set with plain descriptions.
func statusResponses(byStatus map[int]string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	for status, desc := range byStatus {
		d := desc
		responses.Set(strconv.Itoa(status), &openapi3.ResponseRef{
			Value: &openapi3.Response{Description: &d},
		})
	}
	return responses
}

// jsonResponses builds a response set where the success body references a
// component schema and errors use the shared envelope.
func jsonResponses(successRef string, byStatus map[int]string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	for status, desc := range byStatus {
		d := desc
		ref := "#/components/schemas/ErrorResponse"
		if status >= 200 && status < 300 {
			ref = successRef
		}
		responses.Set(strconv.Itoa(status), &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &d,
				Content:     openapi3.NewContentWithJSONSchemaRef(openapi3.NewSchemaRef(ref, nil)),
			},
		})
	}
	return responses
}
