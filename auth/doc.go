// Package auth verifies bearer tokens for the MCP HTTP transport.
//
// New returns an Authenticator that validates RFC 9068 style JWT access
// tokens, either discovering the issuer's key set through OpenID Connect or
// reading a configured JWKS URL. The transport extracts the token with
// BearerToken and maps failures to a 401 or 403 with ChallengeFor.
//
//	authn, err := auth.New(ctx, auth.Config{
//		Issuer:   "https://issuer.example",
//		Audience: "https://maps.example/mcp",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
// The authenticated subject becomes the owner of any session the request
// creates. Requests from a different subject cannot see that session.
package auth
