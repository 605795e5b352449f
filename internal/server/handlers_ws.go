package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"

	"github.com/madkind/pixels/internal/monitoring"
)

// handleWebSocket upgrades the connection and hands it to the ingress
// loop. Admission control runs before the upgrade so rejected clients
// cost one HTTP response, not a socket.
func (sv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if sv.draining.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !sv.connLimiter.Allow(clientIP) {
		sv.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		monitoring.IncrementFailedConnections()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if current := sv.hub.Count(); current >= sv.cfg.MaxConnections {
		sv.logger.Warn().
			Str("client_ip", clientIP).
			Int("current_connections", current).
			Int("max_connections", sv.cfg.MaxConnections).
			Msg("Connection rejected: server at capacity")
		monitoring.IncrementFailedConnections()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.IncrementFailedConnections()
		sv.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Msg("WebSocket upgrade failed")
		return
	}

	sub := newSubscriber(conn, clientIP, sv.cfg.SubscriberQueueCap, sv.logger)
	sv.hub.Register(sub)
	go sv.readPump(sub)
}

// getClientIP extracts the client IP, preferring X-Forwarded-For so
// limits key on the real client behind a load balancer.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
