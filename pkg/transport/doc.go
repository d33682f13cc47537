// Package transport sends HTTP requests for accounts of the session pool.
//
// Every call goes through the pool's admission (rate limits, pacing,
// session) before it is sent:
//
//	client, err := transport.NewClient(cfg, manager)
//	resp, err := client.Do(ctx, transport.Request{
//	    AccountID: "main",
//	    Tier:      config.TierGeneral,
//	    Path:      "/projects",
//	})
//
// Responses that reveal an expired session (401, a redirect to /login, or a
// login form served with 200) mark the session expired and return a
// SessionExpired rejection. Cookies set by successful responses are merged
// back into the session.
package transport
