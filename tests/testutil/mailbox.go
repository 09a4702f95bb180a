package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/mailrelay/internal/mailbox"
)

// ErrInjected is returned by FakeMailbox calls configured to fail.
var ErrInjected = errors.New("injected failure")

// FakeMessage is one message held by a FakeMailbox.
type FakeMessage struct {
	Meta   mailbox.HeaderMetadata
	Header []byte
	Body   []byte
}

// NewFakeMessage builds a message whose header block matches meta.
func NewFakeMessage(meta mailbox.HeaderMetadata, body string) FakeMessage {
	header := fmt.Sprintf(
		"Subject: %s\r\nFrom: %s\r\nDate: %s\r\n",
		meta.Subject, meta.From, meta.Date,
	)
	if meta.MessageID != "" {
		header += fmt.Sprintf("Message-Id: <%s>\r\n", meta.MessageID)
	}
	header += "\r\n"

	return FakeMessage{
		Meta:   meta,
		Header: []byte(header),
		Body:   []byte(header + body),
	}
}

// FakeMailbox is an in-memory mailbox that implements both mailbox.Dialer
// and mailbox.Session. It records every remote call so tests can assert on
// probe order and session lifecycle.
type FakeMailbox struct {
	mu       sync.Mutex
	messages []FakeMessage

	// OpenErr, when set, is returned by Open.
	OpenErr error
	// CloseErr, when set, is returned by Close.
	CloseErr error
	// FailHeaderAt makes HeaderBytes fail at the given position.
	FailHeaderAt int
	// FailMetadataAt makes HeaderMetadata fail at the given position.
	FailMetadataAt int

	opens         int
	closes        int
	lastEndpoint  mailbox.Endpoint
	metadataCalls []int
	headerCalls   []int
	bodyCalls     []int
}

// NewFakeMailbox creates a mailbox with n distinct messages at positions 1..n.
func NewFakeMailbox(n int) *FakeMailbox {
	f := &FakeMailbox{}
	for i := 1; i <= n; i++ {
		f.messages = append(f.messages, NewFakeMessage(mailbox.HeaderMetadata{
			Subject:   fmt.Sprintf("Message %d", i),
			From:      fmt.Sprintf("sender%d@example.com", i),
			Date:      fmt.Sprintf("Mon, 02 Jan 2006 15:%02d:05 +0000", i%60),
			MessageID: fmt.Sprintf("msg-%d@example.com", i),
		}, fmt.Sprintf("Body of message %d\r\n", i)))
	}
	return f
}

// Append adds a message at the end of the mailbox.
func (f *FakeMailbox) Append(msg FakeMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

// Delete removes the messages at the given positions, renumbering the rest.
func (f *FakeMailbox) Delete(positions ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.Sort(sort.Reverse(sort.IntSlice(positions)))
	for _, pos := range positions {
		f.messages = append(f.messages[:pos-1], f.messages[pos:]...)
	}
}

// Meta returns the header metadata at pos.
func (f *FakeMailbox) Meta(pos int) mailbox.HeaderMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[pos-1].Meta
}

// Open implements mailbox.Dialer.
func (f *FakeMailbox) Open(
	_ context.Context, ep mailbox.Endpoint,
) (mailbox.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastEndpoint = ep
	if f.OpenErr != nil {
		return nil, &mailbox.RemoteError{Op: "open", Err: f.OpenErr}
	}
	f.opens++
	return f, nil
}

// MessageCount implements mailbox.Session.
func (f *FakeMailbox) MessageCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), nil
}

// HeaderMetadata implements mailbox.Session.
func (f *FakeMailbox) HeaderMetadata(
	_ context.Context, pos int,
) (mailbox.HeaderMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metadataCalls = append(f.metadataCalls, pos)
	if pos == f.FailMetadataAt {
		return mailbox.HeaderMetadata{}, &mailbox.RemoteError{Op: "header metadata", Err: ErrInjected}
	}
	msg, err := f.at(pos)
	if err != nil {
		return mailbox.HeaderMetadata{}, err
	}
	return msg.Meta, nil
}

// HeaderBytes implements mailbox.Session.
func (f *FakeMailbox) HeaderBytes(_ context.Context, pos int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.headerCalls = append(f.headerCalls, pos)
	if pos == f.FailHeaderAt {
		return nil, &mailbox.RemoteError{Op: "fetch header", Err: ErrInjected}
	}
	msg, err := f.at(pos)
	if err != nil {
		return nil, err
	}
	return msg.Header, nil
}

// BodyBytes implements mailbox.Session.
func (f *FakeMailbox) BodyBytes(_ context.Context, pos int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bodyCalls = append(f.bodyCalls, pos)
	msg, err := f.at(pos)
	if err != nil {
		return nil, err
	}
	return msg.Body, nil
}

// Close implements mailbox.Session.
func (f *FakeMailbox) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++
	if f.CloseErr != nil {
		return &mailbox.RemoteError{Op: "close", Err: f.CloseErr}
	}
	return nil
}

func (f *FakeMailbox) at(pos int) (FakeMessage, error) {
	if pos < 1 || pos > len(f.messages) {
		return FakeMessage{}, &mailbox.RemoteError{
			Op:  "fetch",
			Err: fmt.Errorf("message %d out of range", pos),
		}
	}
	return f.messages[pos-1], nil
}

// Opens returns how many sessions were opened.
func (f *FakeMailbox) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closes returns how many times Close was called.
func (f *FakeMailbox) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// LastEndpoint returns the endpoint passed to the most recent Open.
func (f *FakeMailbox) LastEndpoint() mailbox.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastEndpoint
}

// MetadataCalls returns the positions probed with HeaderMetadata, in order.
func (f *FakeMailbox) MetadataCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.metadataCalls...)
}

// HeaderCalls returns the positions fetched with HeaderBytes, in order.
func (f *FakeMailbox) HeaderCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.headerCalls...)
}

// BodyCalls returns the positions fetched with BodyBytes, in order.
func (f *FakeMailbox) BodyCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.bodyCalls...)
}

// ResetCalls clears the recorded call history.
func (f *FakeMailbox) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataCalls = nil
	f.headerCalls = nil
	f.bodyCalls = nil
}
