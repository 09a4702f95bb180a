package mailbox

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Security selects how the connection to the backend is protected.
type Security int

const (
	// SecurityTLS wraps the connection in TLS from the start.
	SecurityTLS Security = iota
	// SecurityStartTLS upgrades a plain connection with STARTTLS.
	SecurityStartTLS
	// SecurityNone leaves the connection unencrypted.
	SecurityNone
)

// Address is a parsed backend server address.
type Address struct {
	Host     string
	Port     string
	Security Security
}

// HostPort returns the address in host:port form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// ParseAddress parses a server URL supplied by the caller. Accepted forms:
//
//	imaps://host[:port]           implicit TLS, default port 993
//	imap://host[:port]            STARTTLS, default port 143
//	imap+insecure://host[:port]   no encryption, default port 143
//	host[:port]                   implicit TLS, default port 993
func ParseAddress(serverURL string) (Address, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return Address{}, fmt.Errorf("empty server address")
	}

	if !strings.Contains(serverURL, "://") {
		serverURL = "imaps://" + serverURL
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return Address{}, fmt.Errorf("parsing server address %q: %w", serverURL, err)
	}

	var addr Address
	switch strings.ToLower(u.Scheme) {
	case "imaps":
		addr.Security, addr.Port = SecurityTLS, "993"
	case "imap":
		addr.Security, addr.Port = SecurityStartTLS, "143"
	case "imap+insecure":
		addr.Security, addr.Port = SecurityNone, "143"
	default:
		return Address{}, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}

	addr.Host = u.Hostname()
	if addr.Host == "" {
		return Address{}, fmt.Errorf("server address %q has no host", serverURL)
	}
	if p := u.Port(); p != "" {
		addr.Port = p
	}

	return addr, nil
}
