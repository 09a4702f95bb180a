package email_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailrelay/internal/fetch"
	"github.com/nhle/mailrelay/internal/logging"
	"github.com/nhle/mailrelay/internal/mailbox"
	"github.com/nhle/mailrelay/internal/mailbox/email"
	"github.com/nhle/mailrelay/internal/uid"
)

const (
	testUser     = "alice"
	testPassword = "alice-pw"
)

func testMessage(n int) string {
	return fmt.Sprintf("Subject: Message %d\r\n"+
		"From: Sender %d <sender%d@example.com>\r\n"+
		"Date: Mon, 02 Jan 2006 15:04:%02d +0000\r\n"+
		"Message-Id: <msg-%d@example.com>\r\n"+
		"\r\n"+
		"Body of message %d\r\n", n, n, n, n, n, n)
}

// startServer runs an in-memory IMAP server holding n messages in INBOX
// and returns its address.
func startServer(t *testing.T, n int) string {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	memServer.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	c, err := imapclient.DialInsecure(l.Addr().String(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Login(testUser, testPassword).Wait())
	for i := 1; i <= n; i++ {
		msg := testMessage(i)
		cmd := c.Append("INBOX", int64(len(msg)), nil)
		_, err := cmd.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, cmd.Close())
		_, err = cmd.Wait()
		require.NoError(t, err)
	}
	require.NoError(t, c.Logout().Wait())
	_ = c.Close()

	return l.Addr().String()
}

func open(t *testing.T, addr, password string) (mailbox.Session, error) {
	t.Helper()

	return openWith(t, email.Options{
		DialTimeout: 5 * time.Second,
		CallTimeout: 5 * time.Second,
	}, addr, password)
}

func openWith(t *testing.T, opts email.Options, addr, password string) (mailbox.Session, error) {
	t.Helper()

	d := email.NewDialer(opts, logging.Discard())

	return d.Open(context.Background(), mailbox.Endpoint{
		Address:  "imap+insecure://" + addr,
		Username: testUser,
		Password: password,
	})
}

func TestSessionReadsMessages(t *testing.T) {
	addr := startServer(t, 3)

	s, err := open(t, addr, testPassword)
	require.NoError(t, err)

	ctx := context.Background()

	count, err := s.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	header, err := s.HeaderBytes(ctx, 2)
	require.NoError(t, err)
	assert.Contains(t, string(header), "Subject: Message 2\r\n")
	assert.NotContains(t, string(header), "Body of message 2")

	meta, err := s.HeaderMetadata(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, mailbox.HeaderMetadata{
		Subject:   "Message 2",
		From:      "sender2@example.com",
		Date:      "Mon, 02 Jan 2006 15:04:02 +0000",
		MessageID: "msg-2@example.com",
	}, meta)

	body, err := s.BodyBytes(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, testMessage(3), string(body))

	require.NoError(t, s.Close())
}

func TestSessionOutOfRange(t *testing.T) {
	addr := startServer(t, 2)

	s, err := open(t, addr, testPassword)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.HeaderBytes(context.Background(), 3)
	assert.True(t, mailbox.IsRemoteError(err))

	_, err = s.BodyBytes(context.Background(), 0)
	assert.True(t, mailbox.IsRemoteError(err))
}

func TestSessionCloseTwice(t *testing.T) {
	addr := startServer(t, 1)

	s, err := open(t, addr, testPassword)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	err = s.Close()
	assert.True(t, mailbox.IsRemoteError(err))

	_, err = s.HeaderBytes(context.Background(), 1)
	assert.True(t, mailbox.IsRemoteError(err))
}

func TestOpenWrongPassword(t *testing.T) {
	addr := startServer(t, 1)

	_, err := open(t, addr, "nope")
	require.Error(t, err)

	var remoteErr *mailbox.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "login", remoteErr.Op)
}

func TestOpenUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = open(t, addr, testPassword)
	assert.True(t, mailbox.IsRemoteError(err))
}

func TestLocateOverIMAP(t *testing.T) {
	addr := startServer(t, 15)

	s, err := open(t, addr, testPassword)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	target, err := uid.Compute(ctx, s, 9)
	require.NoError(t, err)

	// A stale hint still resolves within the search window.
	stale := uid.ID{Hint: 12, Fingerprint: target.Fingerprint}
	pos, err := fetch.Locate(ctx, s, 15, stale)
	require.NoError(t, err)
	assert.Equal(t, 9, pos)
}

// listen accepts connections and hands each to serve. Connections stay
// open until the test ends.
func listen(t *testing.T, serve func(net.Conn)) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go serve(c)
		}
	}()

	return l.Addr().String()
}

// stallOnFetch speaks just enough IMAP to log in and select a three
// message INBOX, then never answers FETCH.
func stallOnFetch(c net.Conn) {
	_, _ = c.Write([]byte("* OK [CAPABILITY IMAP4rev1] ready\r\n"))

	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])

		var reply string
		switch cmd {
		case "CAPABILITY":
			reply = "* CAPABILITY IMAP4rev1\r\n" + tag + " OK done\r\n"
		case "SELECT", "EXAMINE":
			reply = "* 3 EXISTS\r\n* FLAGS (\\Seen)\r\n" + tag + " OK [READ-ONLY] done\r\n"
		case "FETCH":
			continue
		case "LOGOUT":
			reply = "* BYE\r\n" + tag + " OK done\r\n"
		default:
			reply = tag + " OK done\r\n"
		}
		if _, err := c.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func TestOpenTimesOutWithoutGreeting(t *testing.T) {
	addr := listen(t, func(net.Conn) {})

	start := time.Now()
	_, err := openWith(t, email.Options{
		DialTimeout: 300 * time.Millisecond,
		CallTimeout: 300 * time.Millisecond,
	}, addr, testPassword)

	assert.True(t, mailbox.IsRemoteError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFetchTimesOutOnStalledServer(t *testing.T) {
	addr := listen(t, stallOnFetch)

	s, err := openWith(t, email.Options{
		DialTimeout: 5 * time.Second,
		CallTimeout: 300 * time.Millisecond,
	}, addr, testPassword)
	require.NoError(t, err)

	count, err := s.MessageCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	start := time.Now()
	_, err = s.HeaderBytes(context.Background(), 1)
	assert.True(t, mailbox.IsRemoteError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)

	start = time.Now()
	assert.NoError(t, s.Close())
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchHonoursCallerCancellation(t *testing.T) {
	addr := listen(t, stallOnFetch)

	s, err := openWith(t, email.Options{
		DialTimeout: 5 * time.Second,
		CallTimeout: time.Minute,
	}, addr, testPassword)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.BodyBytes(ctx, 2)
	assert.True(t, mailbox.IsRemoteError(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}
