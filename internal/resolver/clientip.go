package resolver

import (
	"net"
	"net/http"
	"strings"

	"nas-chat/internal/models"
)

// ClientIP derives the caller's address. With trustForwarded set, the first
// hop of X-Forwarded-For wins, then X-Real-IP. That is spoofable by anyone
// who can reach the listener directly, so only enable it behind the NAS LAN
// proxies. Unparseable values are skipped. Returns "" when nothing is usable.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := models.NormalizeIP(first); ok {
				return ip
			}
		}
		if ip, ok := models.NormalizeIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip, ok := models.NormalizeIP(host); ok {
		return ip
	}
	return ""
}
