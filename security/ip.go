package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP used for rate limiting and audit
// records. Only consult forwarding headers when trustProxy is set and the
// gateway actually sits behind that many trusted proxies, otherwise the
// headers are attacker-controlled.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF picks the client entry out of X-Forwarded-For. The list
// reads "client, proxy1, proxy2, ..." with our trusted proxies rightmost;
// the client is the entry trustedProxyCount+1 from the right.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	clientIndex := len(ips) - proxyCount - 1
	if clientIndex < 0 {
		clientIndex = 0
	}

	clientIP := strings.TrimSpace(ips[clientIndex])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
