// Package middleware holds HTTP middleware for the API server.
package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gluk-w/sshdeck/internal/logging"
)

// IPRestriction holds parsed IP addresses and CIDR ranges for allow-list
// checking.
type IPRestriction struct {
	// CIDRs contains parsed CIDR network ranges (e.g., 10.0.0.0/8).
	CIDRs []*net.IPNet

	// IPs contains individual IP addresses (parsed from entries without a mask).
	IPs []net.IP

	// Raw is the original comma-separated string for display/logging.
	Raw string
}

// ParseIPRestrictions parses a comma-separated list of IP addresses and CIDR ranges.
// Each entry can be:
//   - An individual IP address (e.g., "10.0.0.1", "::1")
//   - A CIDR range (e.g., "10.0.0.0/8", "fd00::/8")
//
// Returns nil if the input is empty (meaning no restrictions).
// Returns an error if any entry is malformed.
func ParseIPRestrictions(csv string) (*IPRestriction, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	r := &IPRestriction{Raw: csv}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			r.CIDRs = append(r.CIDRs, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		r.IPs = append(r.IPs, ip)
	}

	if len(r.CIDRs) == 0 && len(r.IPs) == 0 {
		return nil, nil
	}
	return r, nil
}

// IsAllowed reports whether ip matches any CIDR range or individual IP.
// A nil restriction allows everything.
func (r *IPRestriction) IsAllowed(ip net.IP) bool {
	if r == nil {
		return true
	}
	for _, cidr := range r.CIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	for _, allowed := range r.IPs {
		if allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// RestrictClients rejects requests whose remote address is not allowed by r
// with 403. Run it after chi's RealIP when behind a proxy.
func RestrictClients(r *IPRestriction) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if r == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			host := req.RemoteAddr
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			ip := net.ParseIP(host)
			if ip == nil || !r.IsAllowed(ip) {
				log.Printf("[api] blocked request from %s to %s (allowed: %s)",
					logging.Sanitize(host), logging.Sanitize(req.URL.Path), r.Raw)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"detail":"Access denied"}` + "\n"))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
