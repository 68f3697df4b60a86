package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openjudge/judgegw/consts"
	"github.com/openjudge/judgegw/logger"
)

// Encoder writes messages to a stream in wire format.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message. The header block is flushed before the body
// so the backend can start parsing while a large body is still in
// flight, and again after the body. Callers sharing an encoder must
// serialize calls themselves.
func (e *Encoder) Encode(m *Message) error {
	if _, err := e.w.WriteString(m.name + "\n"); err != nil {
		return err
	}
	for key, value := range m.headers {
		if _, err := e.w.WriteString(key + ":" + value + "\n"); err != nil {
			return err
		}
	}
	if m.body != nil {
		if _, err := e.w.WriteString(fmt.Sprintf("%s:%d\n", ContentLengthHeader, len(m.body))); err != nil {
			return err
		}
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := e.w.Flush(); err != nil {
		return err
	}

	if m.body != nil {
		if _, err := e.w.Write(m.body); err != nil {
			return err
		}
		if err := e.w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Decoder reads messages from a stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// readLine reads up to the next newline and returns the line without the
// terminator. End-of-stream before the terminator is a truncated header,
// whether or not any bytes were read.
func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return "", consts.ErrTruncatedHeader
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Decode reads one message. It blocks until a full message is available
// or the stream fails.
//
// A content-length header with a non-positive or unparseable value is
// logged and treated as "no body"; the message itself still decodes. The
// content-length header is never exposed on the returned message.
func (d *Decoder) Decode() (*Message, error) {
	name, err := d.readLine()
	if err != nil {
		return nil, fmt.Errorf("reading action: %w", err)
	}
	m := New(name)

	contentLength := 0
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, fmt.Errorf("reading headers for %q: %w", name, err)
		}
		if line == "" {
			break
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("header %q: %w", line, consts.ErrMalformedHeader)
		}

		if key == ContentLengthHeader {
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				logger.Warn("Message with invalid content length", "action", name, "content_length", value)
				continue
			}
			contentLength = n
			continue
		}

		m.headers[key] = value
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(d.r, body); err != nil {
			return nil, fmt.Errorf("reading %d byte content for %q: %w", contentLength, name, consts.ErrTruncatedBody)
		}
		m.body = body
	}

	return m, nil
}
