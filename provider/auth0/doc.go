// Package auth0 verifies Auth0-issued access tokens and fetches caller
// profiles from the tenant /userinfo endpoint.
//
// KeyDirectory caches the tenant JWKS, TokenValidator implements
// lms.TokenVerifier on top of it and ProfileClient implements
// lms.ProfileSource and lms.EmailSource. All three share one Config and one
// StalePolicy.
package auth0
