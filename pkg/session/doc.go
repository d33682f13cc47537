// Package session holds the authentication state of every account.
//
// Each account moves through Unauthenticated, Authenticating, Authenticated,
// Expired and AuthFailed. Store.GetValidSession returns cached cookies while
// they are fresh and otherwise logs in through an auth.Gateway, gated by
// the limiter's auth tier. Concurrent callers for one account share a single
// login. Cookie sets are written to an optional cookiestore.Store and
// restored from it before a new login is attempted.
package session
