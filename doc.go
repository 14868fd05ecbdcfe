// Package lms provides the authentication and authorization core of the LMS
// backend: local user records keyed by identity provider subject, role and
// scope checks, and the HTTP surface that exposes them.
//
// Token verification:
//   - TokenVerifier turns a raw bearer token into Claims. The provider/auth0
//     package implements it against the provider key directory (JWKS) with a
//     TTL cache, forced refresh on unknown key ids and a uniform stale policy.
//
// Provisioning:
//   - IdentityResolver maps Claims to a User, creating the record with the
//     student role on first sight. A uniqueness violation on insert is treated
//     as a concurrent first login and resolved by re-reading the row.
//
// Authorization:
//   - AccessGuard checks a Requirement (role set membership, all scopes
//     present) and fails with ErrForbidden.
//
// Errors:
//   - Every failure is a go-errors Error cloned from a package sentinel. The
//     sentinel carries the HTTP status in Code and a machine readable TextCode
//     that ErrorHandler renders as {code, description}.
package lms
