package handlers

import (
	"log"
	"net/http"

	"github.com/DEVXIX/dev-ssh-sub000/internal/guac"
	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/middleware"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Relay kinds served on /ws/{kind}.
const (
	KindTerminal = "terminal"
	KindStats    = "stats"
	KindRDP      = "rdp"
)

// SessionWS upgrades /ws/{kind} and hands the connection to the relay for
// kind. Unknown kinds are upgraded and then closed with a policy violation,
// so browsers see a close frame rather than a bare HTTP error.
func SessionWS(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	opts := &websocket.AcceptOptions{OriginPatterns: AllowedOrigins}
	if kind == KindRDP {
		opts.Subprotocols = []string{guac.Subprotocol}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("Failed to accept %s websocket: %v", logutil.SanitizeForLog(kind), err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	user := middleware.GetUser(r)

	switch kind {
	case KindTerminal:
		if Terminal == nil {
			conn.Close(websocket.StatusInternalError, "terminal relay not initialized")
			return
		}
		Terminal.ServeShell(ctx, conn, user)
	case KindStats:
		if Terminal == nil {
			conn.Close(websocket.StatusInternalError, "stats relay not initialized")
			return
		}
		Terminal.ServeStats(ctx, conn, user)
	case KindRDP:
		if Display == nil {
			conn.Close(websocket.StatusInternalError, "display relay not initialized")
			return
		}
		Display.Serve(ctx, conn, r.URL.Query().Get("sessionId"), user)
	default:
		conn.Close(websocket.StatusPolicyViolation, "unsupported relay kind")
	}
}
