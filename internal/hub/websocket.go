package hub

import (
	"context"
	"net/http"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// Command is a client-invoked operation on the socket.
type Command struct {
	Op       string `json:"op"` // "join" or "leave"
	TenantID string `json:"tenant_id"`
}

// Authorizer decides whether the request's principal may join tenantID's group.
type Authorizer interface {
	CanJoin(r *http.Request, tenantID string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request, tenantID string) bool

func (f AuthorizerFunc) CanJoin(r *http.Request, tenantID string) bool { return f(r, tenantID) }

type tenantsKey struct{}

// WithTenants returns a context carrying the tenant ids the authenticated
// principal holds. Authentication middleware sets it before the upgrade.
func WithTenants(ctx context.Context, tenantIDs ...string) context.Context {
	return context.WithValue(ctx, tenantsKey{}, tenantIDs)
}

// TenantsFrom returns the tenant ids set by WithTenants, if any.
func TenantsFrom(ctx context.Context) []string {
	ids, _ := ctx.Value(tenantsKey{}).([]string)
	return ids
}

// PrincipalAuthorizer allows joins only to tenants held by the authenticated
// principal on the request context. Requests that never passed authentication
// carry no tenants and are refused.
var PrincipalAuthorizer = AuthorizerFunc(func(r *http.Request, tenantID string) bool {
	return tenantID != "" && slices.Contains(TenantsFrom(r.Context()), tenantID)
})

// Handler serves the hub over websocket. Each socket becomes one connection;
// the first frame is a "connected" event carrying its id.
func Handler(h *Hub, authz Authorizer) http.Handler {
	srv := websocket.Server{
		Handler: func(ws *websocket.Conn) {
			serveSocket(h, authz, ws)
		},
	}
	return srv
}

func serveSocket(h *Hub, authz Authorizer, ws *websocket.Conn) {
	defer ws.Close()

	conn, err := h.Connect("")
	if err != nil {
		return
	}
	defer h.Disconnect(conn.ID)

	log := h.logger.With(zap.String("connection_id", conn.ID))
	req := ws.Request()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range conn.Events {
			if err := websocket.JSON.Send(ws, ev); err != nil {
				log.Debug("socket write failed", zap.Error(err))
				ws.Close()
				return
			}
		}
	}()

	h.Notify(conn.ID, EventConnected, map[string]string{"connection_id": conn.ID})

	for {
		var cmd Command
		if err := websocket.JSON.Receive(ws, &cmd); err != nil {
			break
		}
		switch cmd.Op {
		case "join":
			if !authz.CanJoin(req, cmd.TenantID) {
				log.Warn("join refused", zap.String("tenant_id", cmd.TenantID))
				h.Notify(conn.ID, EventError, map[string]string{"error": "not authorized for tenant", "tenant_id": cmd.TenantID})
				continue
			}
			h.JoinTenantGroup(conn.ID, cmd.TenantID)
			h.Notify(conn.ID, EventJoined, map[string]string{"tenant_id": cmd.TenantID})
		case "leave":
			h.LeaveTenantGroup(conn.ID, cmd.TenantID)
			h.Notify(conn.ID, EventLeft, map[string]string{"tenant_id": cmd.TenantID})
		default:
			h.Notify(conn.ID, EventError, map[string]string{"error": "unknown op " + cmd.Op})
		}
	}

	h.Disconnect(conn.ID)
	<-writerDone
}
