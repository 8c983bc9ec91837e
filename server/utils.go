// Generic helpers.

package main

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// isRoutableIP checks if the string is a valid IP address which is not
// loopback, link-local, private or unspecified.
func isRoutableIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast() &&
		!ip.IsPrivate() && !ip.IsUnspecified()
}

// remoteAddr returns the address of the client. X-Forwarded-For is used when
// enabled and it contains a routable IP.
func remoteAddr(req *http.Request) string {
	if globals.useXForwardedFor {
		// The first address is the original client.
		addr := strings.TrimSpace(strings.Split(req.Header.Get("X-Forwarded-For"), ",")[0])
		if isRoutableIP(addr) {
			return addr
		}
	}
	return req.RemoteAddr
}

// secondsOrDefault converts a config value in seconds to duration.
func secondsOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
