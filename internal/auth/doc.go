// Package auth identifies the user behind each HTTP request and realtime
// connection.
//
// # JWT Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret. The "sub" claim is the user's directory id; an optional
// boolean "admin" claim allows the system message endpoint used by the
// workflow engine.
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	a := auth.NewAuthenticator(verifier, logger)
//	mux.Handle("GET /api/conversations", a.Middleware(false)(handler))
//
// Browser WebSocket and EventSource clients cannot set headers, so realtime
// endpoints also accept the token as ?token=.
//
// # Development Mode
//
// Without a secret the Authenticator trusts the X-User-ID header (or ?user_id=
// on realtime endpoints) and treats every caller as admin. A warning is
// logged at startup.
//
// # Context
//
// Handlers read the requester with FromContext:
//
//	id := auth.FromContext(r.Context())
//	views, err := svc.ListConversations(ctx, id.UserID)
package auth
