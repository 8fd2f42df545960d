// Package wellknown holds the discovery documents the gateway publishes.
package wellknown

// ProtectedResourcePrefix is the RFC 9728 well-known path prefix. The
// resource path is appended to it.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata tells clients where identify tokens for a
// gateway endpoint are issued (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource              string   `json:"resource"`
	AuthorizationServers  []string `json:"authorization_servers,omitempty"`
	JwksURI               string   `json:"jwks_uri,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	ResourceName          string   `json:"resource_name,omitempty"`
	ResourceDocumentation string   `json:"resource_documentation,omitempty"`
}
