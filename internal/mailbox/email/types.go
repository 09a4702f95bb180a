package email

import (
	"crypto/tls"
	"time"
)

// Options holds the IMAP connection settings shared by every session.
type Options struct {
	// DialTimeout bounds connect, TLS handshake, LOGIN and SELECT.
	DialTimeout time.Duration

	// CallTimeout bounds each individual command on an open session.
	CallTimeout time.Duration

	// TLSConfig is cloned for every connection; ServerName is filled in
	// from the server address when empty.
	TLSConfig *tls.Config
}

const (
	defaultDialTimeout = 15 * time.Second
	defaultCallTimeout = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	return o
}
