// Package relay validates and authenticates inbound requests, opens one
// backend session per request and runs the requested operation on it.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailrelay/internal/credential"
	"github.com/nhle/mailrelay/internal/fetch"
	"github.com/nhle/mailrelay/internal/logging"
	"github.com/nhle/mailrelay/internal/mailbox"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/uid"
)

var errBadCredentials = errors.New("invalid username or password")

// Relay handles requests. It holds no per-request state and is safe for
// concurrent use.
type Relay struct {
	creds        credential.Credentials
	dialer       mailbox.Dialer
	maxBatchSize int
	log          logrus.FieldLogger
}

// New creates a relay accepting creds and opening sessions through dialer.
func New(
	creds credential.Credentials,
	dialer mailbox.Dialer,
	maxBatchSize int,
	log logrus.FieldLogger,
) *Relay {
	return &Relay{
		creds:        creds,
		dialer:       dialer,
		maxBatchSize: maxBatchSize,
		log:          log,
	}
}

// call is a validated request.
type call struct {
	method    model.Method
	endpoint  mailbox.Endpoint
	batchSize int
	ref       *uid.ID
}

// Handle runs one request to completion. On failure it returns an *Error
// and no response; partial results are never returned.
func (r *Relay) Handle(
	ctx context.Context, req *model.Request,
) (resp *model.Response, err error) {
	log := logging.FromContext(ctx, r.log)

	c, err := r.validate(req)
	if err != nil {
		return nil, err
	}

	if !r.creds.Verify(req.Username, req.Password) {
		return nil, &Error{Kind: KindAuthenticationFailed, Err: errBadCredentials}
	}

	session, err := r.dialer.Open(ctx, c.endpoint)
	if err != nil {
		return nil, &Error{Kind: KindRemoteSession, Err: err}
	}
	log.Debug("Backend session opened")

	defer func() {
		closeErr := session.Close()
		if closeErr == nil {
			log.Debug("Backend session closed")
			return
		}

		log.WithError(closeErr).Warn("Failed to close backend session")
		if err == nil {
			resp, err = nil, &Error{Kind: KindRemoteSession, Err: closeErr}
		}
	}()

	count, err := session.MessageCount(ctx)
	if err != nil {
		return nil, &Error{Kind: KindRemoteSession, Err: err}
	}

	data, err := r.dispatch(ctx, session, count, c)
	if err != nil {
		return nil, classify(err)
	}

	return &model.Response{
		Version: model.ProtocolVersion,
		Status:  200,
		Data:    data,
	}, nil
}

func (r *Relay) dispatch(
	ctx context.Context, s mailbox.Session, count int, c *call,
) (any, error) {
	switch c.method {
	case model.MethodFetchNewMessages:
		return fetch.NewMessages(ctx, s, count, c.batchSize, c.ref)
	case model.MethodFetchOldMessages:
		return fetch.OldMessages(ctx, s, count, c.batchSize, *c.ref)
	case model.MethodFetchMessageBody:
		return fetch.MessageBody(ctx, s, count, *c.ref)
	default:
		return nil, fmt.Errorf("unhandled method %q", c.method)
	}
}

// validate checks the request shape and decodes the method arguments.
func (r *Relay) validate(req *model.Request) (*call, error) {
	if req == nil {
		return nil, malformed("empty request")
	}
	if req.Version != model.ProtocolVersion {
		return nil, malformed("unsupported version %q", req.Version)
	}

	for _, f := range []struct{ name, value string }{
		{"username", req.Username},
		{"password", req.Password},
		{"serverUrl", req.ServerURL},
		{"serverUsername", req.ServerUsername},
	} {
		if f.value == "" {
			return nil, malformed("missing %s", f.name)
		}
	}

	if _, err := mailbox.ParseAddress(req.ServerURL); err != nil {
		return nil, malformed("serverUrl: %v", err)
	}

	if !req.Method.Valid() {
		return nil, malformed("unknown method %q", req.Method)
	}

	c := &call{
		method: req.Method,
		endpoint: mailbox.Endpoint{
			Address:  req.ServerURL,
			Username: req.ServerUsername,
			Password: req.ServerPassword,
		},
	}

	var err error
	switch req.Method {
	case model.MethodFetchNewMessages:
		var data model.NewMessagesData
		if err = decodeData(req.Data, &data); err != nil {
			break
		}
		c.ref = data.NewerThanUID
		c.batchSize, err = r.checkBatchSize(data.BatchSize)
	case model.MethodFetchOldMessages:
		var data model.OldMessagesData
		if err = decodeData(req.Data, &data); err != nil {
			break
		}
		if data.OlderThanUID == nil {
			err = malformed("missing olderThanUid")
			break
		}
		c.ref = data.OlderThanUID
		c.batchSize, err = r.checkBatchSize(data.BatchSize)
	case model.MethodFetchMessageBody:
		var data model.MessageBodyData
		if err = decodeData(req.Data, &data); err != nil {
			break
		}
		if data.UID == nil {
			err = malformed("missing uid")
			break
		}
		c.ref = data.UID
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (r *Relay) checkBatchSize(size *int) (int, error) {
	if size == nil {
		return 0, malformed("missing batchSize")
	}
	if *size < 1 || *size > r.maxBatchSize {
		return 0, malformed("batchSize %d out of range 1..%d", *size, r.maxBatchSize)
	}
	return *size, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return malformed("missing data")
	}

	if err := json.Unmarshal(raw, v); err != nil {
		if errors.Is(err, uid.ErrMalformed) {
			return &Error{Kind: KindMalformedIdentifier, Err: err}
		}
		return malformed("decoding data: %v", err)
	}

	return nil
}
