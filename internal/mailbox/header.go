package mailbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ParseHeaderMetadata extracts the identifying fields from a raw header
// block. Encoded subjects are decoded; when a field fails to decode the raw
// header value is used instead, so the result is always deterministic for
// the same input bytes.
func ParseHeaderMetadata(raw []byte) (HeaderMetadata, error) {
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = append(append([]byte(nil), raw...), "\r\n\r\n"...)
	}

	th, err := readHeader(raw)
	if err != nil {
		// Retry without the lines that are not fields so that one broken
		// line does not hide the fields around it.
		th, err = readHeader(dropMalformedLines(raw))
		if err != nil {
			return HeaderMetadata{}, fmt.Errorf("reading header: %w", err)
		}
	}

	h := mail.Header{Header: message.Header{Header: th}}

	var meta HeaderMetadata

	meta.Subject, err = h.Subject()
	if err != nil {
		meta.Subject = h.Get("Subject")
	}

	// Only the first address of From is significant.
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		meta.From = addrs[0].Address
	} else {
		meta.From = strings.TrimSpace(h.Get("From"))
	}

	meta.Date = strings.TrimSpace(h.Get("Date"))

	meta.MessageID, err = h.MessageID()
	if err != nil {
		meta.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}

	return meta, nil
}

func readHeader(raw []byte) (textproto.Header, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && !errors.Is(err, io.EOF) {
		return textproto.Header{}, err
	}
	return th, nil
}

// dropMalformedLines keeps continuation lines and lines of the form
// "name: value" with a valid field name, up to the first blank line. A
// continuation following a dropped line is dropped with it.
func dropMalformedLines(raw []byte) []byte {
	var out bytes.Buffer
	keep := false

	for _, line := range bytes.SplitAfter(raw, []byte("\n")) {
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			break
		}

		if trimmed[0] == ' ' || trimmed[0] == '\t' {
			if keep {
				out.Write(trimmed)
				out.WriteString("\r\n")
			}
			continue
		}

		name, value, found := bytes.Cut(trimmed, []byte(":"))
		name = bytes.TrimRight(name, " \t")
		keep = found && validFieldName(name)
		if keep {
			out.Write(name)
			out.WriteByte(':')
			out.Write(value)
			out.WriteString("\r\n")
		}
	}

	out.WriteString("\r\n")
	return out.Bytes()
}

// validFieldName reports whether name is a non-empty run of printable
// US-ASCII characters other than colon.
func validFieldName(name []byte) bool {
	if len(name) == 0 {
		return false
	}
	for _, c := range name {
		if c < 33 || c > 126 || c == ':' {
			return false
		}
	}
	return true
}
