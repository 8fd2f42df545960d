// Package auth provides the token verification contract the gateway uses
// when a client identifies, along with JWT based implementations.
//
// The gateway session layer only decides when identification must happen.
// Whether a token is acceptable is delegated to an Authenticator: a
// rejection (an error wrapping ErrUnauthorized) closes the session with the
// InvalidUserToken close code.
//
// NewFromDiscovery validates JWTs signed by an OpenID Connect issuer whose
// JWKS is located through discovery. NewStatic does the same for a known
// JWKS URL.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example",
//	    auth.WithAudience("https://gateway.example/ws/"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	gw, err := gateway.New(bus, gateway.WithAuthenticator(authn))
package auth
