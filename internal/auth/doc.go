// Package auth authenticates chat users for agency-chat.
//
// # Overview
//
// Users authenticate with HS256 JWT tokens signed with the configured
// auth.jwt_secret. The "sub" claim is the user ID; every conversation,
// history read and live subscription is scoped to it.
//
// # HTTP Middleware
//
//	mw := auth.HTTPAuthMiddleware(verifier, logger)
//	mux.Handle("/api/", mw(apiHandler))
//
// The token is read from the Authorization header ("Bearer <token>") or,
// for EventSource and WebSocket clients that cannot set headers, from the
// token query parameter. Handlers read the identity with FromContext or
// UserID.
//
// # Anonymous Mode
//
// When no secret is configured the middleware is given a nil verifier and
// every request runs as AnonymousUserID. This is meant for local
// development only.
package auth
