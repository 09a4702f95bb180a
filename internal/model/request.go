package model

import (
	"encoding/json"

	"github.com/nhle/mailrelay/internal/uid"
)

// ProtocolVersion is the only request/response version the relay speaks.
const ProtocolVersion = "1.0"

// Method names one of the relay operations.
type Method string

const (
	MethodFetchNewMessages Method = "fetchNewMessages"
	MethodFetchOldMessages Method = "fetchOldMessages"
	MethodFetchMessageBody Method = "fetchMessageBody"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case MethodFetchNewMessages, MethodFetchOldMessages, MethodFetchMessageBody:
		return true
	}
	return false
}

// Request is the inbound JSON document.
type Request struct {
	Version string `json:"version"`

	// Username and Password authenticate the caller against the relay.
	Username string `json:"username"`
	Password string `json:"password"`

	// ServerURL, ServerUsername and ServerPassword are forwarded to the
	// backend mail server.
	ServerURL      string `json:"serverUrl"`
	ServerUsername string `json:"serverUsername"`
	ServerPassword string `json:"serverPassword"`

	Method Method `json:"method"`

	// Data holds the method-specific arguments, decoded by the relay.
	Data json.RawMessage `json:"data"`
}

// NewMessagesData is the data of a fetchNewMessages request.
// NewerThanUID may be null.
type NewMessagesData struct {
	BatchSize    *int    `json:"batchSize"`
	NewerThanUID *uid.ID `json:"newerThanUid"`
}

// OldMessagesData is the data of a fetchOldMessages request.
type OldMessagesData struct {
	BatchSize    *int    `json:"batchSize"`
	OlderThanUID *uid.ID `json:"olderThanUid"`
}

// MessageBodyData is the data of a fetchMessageBody request.
type MessageBodyData struct {
	UID *uid.ID `json:"uid"`
}

// MessageHeader is one entry of a batch response. Header is the raw
// header block; encoding/json renders it as base64.
type MessageHeader struct {
	UID    uid.ID `json:"uid"`
	Header []byte `json:"header"`
}

// Response is the outbound JSON document. Data is either a list of
// MessageHeader (batch methods) or the raw message bytes (fetchMessageBody).
type Response struct {
	Version string `json:"version"`
	Status  int    `json:"status"`
	Data    any    `json:"data"`
}
