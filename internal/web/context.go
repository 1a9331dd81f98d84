package web

import (
	"net/http"

	"github.com/procurion/boqflow/internal/audit"
)

// actorFromRequest builds the audit actor for an operation. The user
// identity comes from the X-User-ID / X-User-Name headers set by the
// fronting gateway; IP is the RemoteAddr after the trusted-proxy
// middleware has resolved it.
func actorFromRequest(r *http.Request) audit.Actor {
	return audit.Actor{
		UserID:    r.Header.Get("X-User-ID"),
		UserName:  r.Header.Get("X-User-Name"),
		IPAddress: r.RemoteAddr,
		UserAgent: r.Header.Get("User-Agent"),
	}
}
