// Package audit carries the acting principal from the HTTP edge down to the
// store, where every subscription transition is recorded with its actor.
package audit

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Well-known actors for transitions not triggered by a person.
const (
	ActorSystem  = "system"
	ActorGateway = "gateway"
	ActorSweeper = "sweeper"
)

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored in ctx, or ActorSystem.
func ActorFrom(ctx context.Context) string {
	if ctx != nil {
		if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
			return actor
		}
	}
	return ActorSystem
}

// PeerAddr returns the address of the TCP peer. Unlike ClientIP it ignores
// forwarding headers, so callers cannot choose it.
func PeerAddr(r *http.Request) (netip.Addr, bool) {
	if r == nil {
		return netip.Addr{}, false
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if addrPort, err := netip.ParseAddrPort(remote); err == nil {
		return addrPort.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(strings.Trim(remote, "[]")); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}

// ClientIP resolves the best-effort client IP of a request. It trusts
// forwarding headers and is only fit for attribution, never for access control.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// ActorID returns the request actor from the headers set by the panel's auth proxy.
func ActorID(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, header := range []string{"X-Actor-ID", "X-User-ID"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return ""
}

// FromRequest derives the actor for a request: the authenticated user when
// known, otherwise the client address.
func FromRequest(r *http.Request) string {
	if id := ActorID(r); id != "" {
		return "user:" + id
	}
	if ip := ClientIP(r); ip != "" {
		return "ip:" + ip
	}
	return ActorSystem
}

// Middleware stores the request actor in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), FromRequest(r))))
	})
}
