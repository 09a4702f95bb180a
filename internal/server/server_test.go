package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/nhle/mailrelay/internal/credential"
	"github.com/nhle/mailrelay/internal/logging"
	"github.com/nhle/mailrelay/internal/relay"
	"github.com/nhle/mailrelay/internal/store"
	"github.com/nhle/mailrelay/internal/uid"
	"github.com/nhle/mailrelay/tests/testutil"
)

type fixture struct {
	box   *testutil.FakeMailbox
	audit *store.SQLiteStore
	srv   *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	hash, err := credential.HashPassword("proxy-pw", bcrypt.MinCost)
	require.NoError(t, err)

	box := testutil.NewFakeMailbox(20)
	audit := testutil.NewTestStore(t)
	r := relay.New(credential.Credentials{Username: "proxy", PasswordHash: hash}, box, 50, logging.Discard())

	return &fixture{
		box:   box,
		audit: audit,
		srv:   New(r, audit, opts, logging.Discard()),
	}
}

func requestJSON(password, method, data string) string {
	return fmt.Sprintf(`{
		"version": "1.0",
		"username": "proxy",
		"password": %q,
		"serverUrl": "imaps://mail.example.com",
		"serverUsername": "alice",
		"serverPassword": "alice-pw",
		"method": %q,
		"data": %s
	}`, password, method, data)
}

func (f *fixture) post(t *testing.T, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	return f.postFrom(t, "192.0.2.1:1234", contentType, body)
}

func (f *fixture) postFrom(t *testing.T, remote, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.RemoteAddr = remote
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

type batchResponse struct {
	Version string `json:"version"`
	Status  int    `json:"status"`
	Data    []struct {
		UID    string `json:"uid"`
		Header string `json:"header"`
	} `json:"data"`
}

func TestRelayJSONBody(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.post(t, "application/json", requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":3,"newerThanUid":null}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var resp batchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1.0", resp.Version)
	assert.Equal(t, 200, resp.Status)
	require.Len(t, resp.Data, 3)

	for i, item := range resp.Data {
		pos := 20 - i
		id, err := uid.Parse(item.UID)
		require.NoError(t, err)
		assert.Equal(t, pos, id.Hint)

		header, err := base64.StdEncoding.DecodeString(item.Header)
		require.NoError(t, err)
		assert.Contains(t, string(header), fmt.Sprintf("Subject: Message %d\r\n", pos))
	}

	entries, err := f.audit.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, w.Header().Get("X-Request-Id"), entries[0].RequestID)
	assert.Equal(t, "ok", entries[0].Outcome)
	assert.Equal(t, "fetchNewMessages", entries[0].Method)
	assert.Equal(t, 3, entries[0].Items)
}

func TestRelayFormBody(t *testing.T) {
	f := newFixture(t, Options{})

	form := url.Values{"request": {requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":2}`)}}
	w := f.post(t, "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, w.Code)

	var resp batchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestRelayMessageBody(t *testing.T) {
	f := newFixture(t, Options{})
	ref := uid.ID{Hint: 7, Fingerprint: uid.Fingerprint(f.box.Meta(7))}

	w := f.post(t, "application/json", requestJSON("proxy-pw", "fetchMessageBody", fmt.Sprintf(`{"uid":%q}`, ref)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []byte `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, string(resp.Data), "Body of message 7")
}

func TestRelayErrorStatuses(t *testing.T) {
	tests := map[string]struct {
		body   string
		setup  func(*testutil.FakeMailbox)
		status int
	}{
		"undecodable": {
			body:   `{"version":`,
			status: http.StatusBadRequest,
		},
		"bad version": {
			body:   strings.Replace(requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":2}`), `"1.0"`, `"0.9"`, 1),
			status: http.StatusBadRequest,
		},
		"malformed identifier": {
			body:   requestJSON("proxy-pw", "fetchMessageBody", `{"uid":"nodash"}`),
			status: http.StatusBadRequest,
		},
		"wrong password": {
			body:   requestJSON("nope", "fetchNewMessages", `{"batchSize":2}`),
			status: http.StatusForbidden,
		},
		"unknown identifier": {
			body:   requestJSON("proxy-pw", "fetchMessageBody", `{"uid":"5-gone"}`),
			status: http.StatusNotFound,
		},
		"backend down": {
			body:   requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":2}`),
			setup:  func(b *testutil.FakeMailbox) { b.OpenErr = errors.New("connection refused") },
			status: http.StatusBadGateway,
		},
		"backend fails mid batch": {
			body:   requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":5}`),
			setup:  func(b *testutil.FakeMailbox) { b.FailHeaderAt = 18 },
			status: http.StatusBadGateway,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{})
			if tt.setup != nil {
				tt.setup(f.box)
			}

			w := f.post(t, "application/json", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, http.StatusText(tt.status)+"\n", w.Body.String())

			entries, err := f.audit.Recent(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.status, entries[0].Status)
			assert.NotEqual(t, "ok", entries[0].Outcome)
		})
	}
}

func TestRelayRequestTooLarge(t *testing.T) {
	f := newFixture(t, Options{MaxRequestBytes: 64})

	w := f.post(t, "application/json", requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":2}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.box.Opens())
}

func TestFailedAuthThrottling(t *testing.T) {
	f := newFixture(t, Options{AuthRate: 0.001, AuthBurst: 2})
	bad := requestJSON("nope", "fetchNewMessages", `{"batchSize":2}`)
	good := requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":2}`)

	assert.Equal(t, http.StatusOK, f.post(t, "application/json", good).Code)
	assert.Equal(t, http.StatusForbidden, f.post(t, "application/json", bad).Code)
	assert.Equal(t, http.StatusForbidden, f.post(t, "application/json", bad).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.post(t, "application/json", good).Code)

	entries, err := f.audit.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "throttled", entries[0].Outcome)
}

func TestFailedAuthThrottlingIsPerClient(t *testing.T) {
	f := newFixture(t, Options{AuthRate: 0.001, AuthBurst: 1})
	bad := requestJSON("nope", "fetchNewMessages", `{"batchSize":2}`)
	good := requestJSON("proxy-pw", "fetchNewMessages", `{"batchSize":2}`)

	assert.Equal(t, http.StatusForbidden, f.postFrom(t, "198.51.100.7:5000", "application/json", bad).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.postFrom(t, "198.51.100.7:5001", "application/json", good).Code)

	assert.Equal(t, http.StatusOK, f.postFrom(t, "203.0.113.9:6000", "application/json", good).Code)
}

func TestAuthThrottleSweepsRefilledClients(t *testing.T) {
	th := newAuthThrottle(0.001, 1)
	for i := 0; i < maxTrackedClients; i++ {
		th.clients[fmt.Sprintf("10.0.%d.%d", i/256, i%256)] = rate.NewLimiter(th.limit, th.burst)
	}

	th.fail("192.0.2.50")
	assert.Len(t, th.clients, 1)
	assert.True(t, th.blocked("192.0.2.50"))
	assert.False(t, th.blocked("192.0.2.51"))
}

func TestClientHost(t *testing.T) {
	assert.Equal(t, "192.0.2.1", clientHost("192.0.2.1:1234"))
	assert.Equal(t, "2001:db8::1", clientHost("[2001:db8::1]:443"))
	assert.Equal(t, "unix", clientHost("unix"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})

	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRelayRejectsGet(t *testing.T) {
	f := newFixture(t, Options{})

	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	f := newFixture(t, Options{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
