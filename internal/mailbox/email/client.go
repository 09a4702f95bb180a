package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailrelay/internal/mailbox"
)

const inbox = "INBOX"

var errSessionClosed = errors.New("session already closed")

// Dialer opens IMAP sessions on the INBOX of a backend server.
type Dialer struct {
	opts Options
	log  logrus.FieldLogger
}

// NewDialer creates a new IMAP dialer.
func NewDialer(opts Options, log logrus.FieldLogger) *Dialer {
	return &Dialer{
		opts: opts.withDefaults(),
		log:  log,
	}
}

// Open connects to the server, authenticates, and selects INBOX read-only.
// The returned session must be closed by the caller.
func (d *Dialer) Open(
	ctx context.Context, ep mailbox.Endpoint,
) (mailbox.Session, error) {
	addr, err := mailbox.ParseAddress(ep.Address)
	if err != nil {
		return nil, &mailbox.RemoteError{Op: "open", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, &mailbox.RemoteError{
			Op:  "open",
			Err: fmt.Errorf("connecting to IMAP %s: %w", addr.HostPort(), err),
		}
	}

	var (
		client *imapclient.Client
		data   *imap.SelectData
	)

	// The greeting, LOGIN and SELECT all run under the dial timeout.
	err = await(ctx, conn, func() error {
		c, err := d.newClient(ctx, conn, addr)
		if err != nil {
			_ = conn.Close()
			return &mailbox.RemoteError{Op: "open", Err: err}
		}

		if err := c.Login(ep.Username, ep.Password).Wait(); err != nil {
			_ = c.Close()
			return &mailbox.RemoteError{
				Op:  "login",
				Err: fmt.Errorf("authentication failed for %s: %w", ep.Username, err),
			}
		}

		sel, err := c.Select(inbox, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			_ = c.Logout().Wait()
			_ = c.Close()
			return &mailbox.RemoteError{
				Op:  "select",
				Err: fmt.Errorf("selecting %s: %w", inbox, err),
			}
		}

		client, data = c, sel
		return nil
	})
	if err != nil {
		var remoteErr *mailbox.RemoteError
		if errors.As(err, &remoteErr) {
			return nil, err
		}
		return nil, &mailbox.RemoteError{
			Op:  "open",
			Err: fmt.Errorf("opening session on %s: %w", addr.HostPort(), err),
		}
	}

	d.log.WithFields(logrus.Fields{
		"server":   addr.HostPort(),
		"messages": data.NumMessages,
	}).Debug("IMAP session opened")

	return &session{
		client:      client,
		conn:        conn,
		count:       int(data.NumMessages),
		callTimeout: d.opts.CallTimeout,
		log:         d.log.WithField("server", addr.HostPort()),
	}, nil
}

func (d *Dialer) newClient(
	ctx context.Context, conn net.Conn, addr mailbox.Address,
) (*imapclient.Client, error) {
	tlsConfig := &tls.Config{}
	if d.opts.TLSConfig != nil {
		tlsConfig = d.opts.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = addr.Host
	}

	switch addr.Security {
	case mailbox.SecurityTLS:
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr.HostPort(), err)
		}
		return imapclient.New(tlsConn, nil), nil
	case mailbox.SecurityStartTLS:
		client, err := imapclient.NewStartTLS(conn, &imapclient.Options{
			TLSConfig: tlsConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("STARTTLS with %s: %w", addr.HostPort(), err)
		}
		return client, nil
	default:
		return imapclient.New(conn, nil), nil
	}
}

// session is an open IMAP connection with INBOX selected. Positions map
// directly onto IMAP message sequence numbers.
type session struct {
	client      *imapclient.Client
	conn        net.Conn
	count       int
	callTimeout time.Duration
	closed      bool
	broken      bool
	log         logrus.FieldLogger
}

// MessageCount returns the number of messages reported by SELECT.
func (s *session) MessageCount(_ context.Context) (int, error) {
	if s.closed {
		return 0, &mailbox.RemoteError{Op: "message count", Err: errSessionClosed}
	}
	return s.count, nil
}

// HeaderMetadata fetches the header block at pos and parses the
// identifying fields from it.
func (s *session) HeaderMetadata(
	ctx context.Context, pos int,
) (mailbox.HeaderMetadata, error) {
	raw, err := s.HeaderBytes(ctx, pos)
	if err != nil {
		return mailbox.HeaderMetadata{}, err
	}

	meta, err := mailbox.ParseHeaderMetadata(raw)
	if err != nil {
		return mailbox.HeaderMetadata{}, &mailbox.RemoteError{
			Op:  "header metadata",
			Err: fmt.Errorf("message %d: %w", pos, err),
		}
	}

	return meta, nil
}

// HeaderBytes fetches BODY.PEEK[HEADER] for the message at pos.
func (s *session) HeaderBytes(ctx context.Context, pos int) ([]byte, error) {
	return s.fetchSection(ctx, "fetch header", pos, &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	})
}

// BodyBytes fetches BODY.PEEK[] for the message at pos.
func (s *session) BodyBytes(ctx context.Context, pos int) ([]byte, error) {
	return s.fetchSection(ctx, "fetch body", pos, &imap.FetchItemBodySection{
		Peek: true,
	})
}

func (s *session) fetchSection(
	ctx context.Context,
	op string,
	pos int,
	section *imap.FetchItemBodySection,
) ([]byte, error) {
	if s.closed {
		return nil, &mailbox.RemoteError{Op: op, Err: errSessionClosed}
	}
	if pos < 1 || pos > s.count {
		return nil, &mailbox.RemoteError{
			Op:  op,
			Err: fmt.Errorf("message %d out of range 1..%d", pos, s.count),
		}
	}

	fetchOpts := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}

	var msgs []*imapclient.FetchMessageBuffer
	err := s.call(ctx, func() error {
		var err error
		msgs, err = s.client.Fetch(imap.SeqSetNum(uint32(pos)), fetchOpts).Collect()
		return err
	})
	if err != nil {
		return nil, &mailbox.RemoteError{
			Op:  op,
			Err: fmt.Errorf("message %d: %w", pos, err),
		}
	}
	if len(msgs) == 0 {
		return nil, &mailbox.RemoteError{
			Op:  op,
			Err: fmt.Errorf("message %d not returned by server", pos),
		}
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, &mailbox.RemoteError{
			Op:  op,
			Err: fmt.Errorf("message %d: section missing from response", pos),
		}
	}

	return raw, nil
}

// Close logs out and closes the connection. A session abandoned after a
// timed out call is only closed.
func (s *session) Close() error {
	if s.closed {
		return &mailbox.RemoteError{Op: "close", Err: errSessionClosed}
	}
	s.closed = true

	if s.broken {
		_ = s.client.Close()
		s.log.Debug("IMAP session dropped")
		return nil
	}

	logoutErr := s.call(context.Background(), func() error {
		return s.client.Logout().Wait()
	})

	closeErr := s.client.Close()
	s.log.Debug("IMAP session closed")

	if logoutErr != nil {
		return &mailbox.RemoteError{Op: "close", Err: fmt.Errorf("logging out: %w", logoutErr)}
	}
	// The server hangs up after BYE, which may already have closed the conn.
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return &mailbox.RemoteError{Op: "close", Err: closeErr}
	}
	return nil
}

// call runs fn bounded by the call timeout and by ctx. When the bound
// expires the connection is closed and the session becomes unusable.
func (s *session) call(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	err := await(ctx, s.conn, fn)
	if err != nil && ctx.Err() != nil {
		s.broken = true
	}
	return err
}

// await runs fn and waits for it or for ctx, whichever ends first. The
// client resets its own read deadlines, so conn deadlines cannot bound a
// command; instead conn is closed on expiry, which unblocks fn.
func await(ctx context.Context, conn net.Conn, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = conn.Close()
		return fmt.Errorf("waiting for server: %w", ctx.Err())
	}
}
