package middleware

import (
	"net"
	"net/http"

	"skne-engine/pkg/apierror"
	"skne-engine/pkg/response"
)

// Whitelist restricts the API to known caller IPs. The engine fronts real
// money flows; it is never exposed to the public internet directly.
func Whitelist(isAllowed func(ip string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !isAllowed(ip) {
				response.Error(w, apierror.Forbidden(""))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
