// Package auth authenticates the two kinds of callers the fleet controller
// accepts.
//
//   - Runners open the control stream with a bearer JWT of kind "runner" in
//     the gRPC "authorization" metadata. StreamInterceptor checks it.
//   - The trusted command layer calls the HTTP API with a bearer JWT of kind
//     "api" and names the chat user it acts for in the X-Fleet-User header.
//     HTTPAuthMiddleware checks it.
//
// Tokens are HS256 signed with the configured jwt_secret. When no secret is
// configured the NoAuth variants attach an anonymous context instead, which
// is only suitable for loopback or tailnet-only deployments.
//
// Authorization decisions about pools and agents are made by the registry
// using the actor id carried in AuthContext, not here.
package auth
