// Package directory is the read-only user cache every other component
// resolves identities against.
//
// Users are written only by a Syncer pulling from an identity Provider
// (KeycloakProvider in production) and by Seed for local system accounts
// such as the workflow sender. Lookups never call the provider, so an
// unreachable provider (ErrUpstreamUnavailable) never blocks messaging.
//
// Batched lookups report every unknown id at once through MissingUsersError,
// which unwraps to store.ErrNotFound.
package directory
