package http

import (
	"net/http"

	"github.com/google/uuid"
)

// The OAuth surfaces exist to satisfy strict MCP clients that refuse to
// open a stream until OAuth discovery succeeds, even against a server that
// requires no authentication. Every URL field must be a valid non-null
// string and the declared flows must name the authorization-code grant, or
// client-side validators reject the document.

func (t *Transport) registerOAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", t.handleOAuthServerMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", t.handleOAuthResourceMetadata)
	mux.HandleFunc("POST /register", t.handleOAuthRegister)
	mux.HandleFunc("POST /no-registration-required", t.handleOAuthRegister)
	mux.HandleFunc("/no-auth-required", t.handleNoAuthRequired)
}

func (t *Transport) handleOAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := t.baseURL(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/no-auth-required",
		"token_endpoint":                        base + "/no-auth-required",
		"registration_endpoint":                 base + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported":                      []string{"mcp"},
	})
}

func (t *Transport) handleOAuthResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := t.baseURL(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 base,
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
	})
}

// handleOAuthRegister is dummy dynamic client registration: echo the
// client's redirect URIs back with a fresh client id.
func (t *Transport) handleOAuthRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	_ = decodeJSONBody(w, r, &body)
	if len(body.RedirectURIs) == 0 {
		body.RedirectURIs = []string{t.baseURL(r) + "/no-auth-required"}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  uuid.New().String(),
		"redirect_uris":              body.RedirectURIs,
		"token_endpoint_auth_method": "none",
	})
}

func (t *Transport) handleNoAuthRequired(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"error":             "no_authentication_required",
		"error_description": "this server does not require authentication",
	})
}
