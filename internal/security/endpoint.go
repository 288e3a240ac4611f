package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateCallbackURL checks that the URL handed to the payment gateway for
// result callbacks is reachable from the internet. The gateway cannot
// deliver to loopback, private or link-local hosts. Only literal hosts are
// checked; no DNS lookups are made.
func ValidateCallbackURL(rawURL string, requireTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if requireTLS && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("URL must not carry a query or fragment")
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("URL host %q is not publicly reachable", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
