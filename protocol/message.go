// Package protocol implements the framed line protocol spoken by the
// judging server: an action name line, key:value header lines, a blank
// line, then an optional raw body whose length is declared by the
// reserved content-length header.
package protocol

import (
	"github.com/openjudge/judgegw/consts"
)

// ContentLengthHeader is the reserved header carrying the body length.
// It is emitted and consumed by the codec and may never be set by callers.
const ContentLengthHeader = "content-length"

// Message is one protocol unit. Build it with New, attach headers and an
// optional body, then hand it to an Encoder. A message must not be
// mutated after it has been sent.
type Message struct {
	name    string
	headers map[string]string
	body    []byte
}

// New creates a message for the given action name.
func New(name string) *Message {
	return &Message{
		name:    name,
		headers: make(map[string]string),
	}
}

// Name returns the action name.
func (m *Message) Name() string {
	return m.name
}

// SetHeader sets a header. Setting the reserved content-length header
// fails with consts.ErrReservedHeader; the codec manages it.
func (m *Message) SetHeader(key, value string) error {
	if key == ContentLengthHeader {
		return consts.ErrReservedHeader
	}
	m.headers[key] = value
	return nil
}

// Header returns the value of a header, or "" if unset.
func (m *Message) Header(key string) string {
	return m.headers[key]
}

// Headers returns a copy of the header map.
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// SetBody attaches a body. The bytes are copied.
func (m *Message) SetBody(body []byte) {
	m.body = make([]byte, len(body))
	copy(m.body, body)
}

// Body returns the body, or nil if the message has none.
func (m *Message) Body() []byte {
	return m.body
}
