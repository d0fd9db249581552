package mcp

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseDecoder reads Server-Sent Events and yields each event's joined
// "data:" lines. Comments, ids and retry fields are ignored; the event
// name is kept for logging.
type sseDecoder struct {
	r     *bufio.Reader
	buf   bytes.Buffer
	event string
	err   error
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next advances to the next event that carries data. It returns false
// on EOF or error.
func (d *sseDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	d.buf.Reset()
	d.event = ""

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			d.err = err
			// A final event without a trailing blank line still counts.
			if line == "" {
				return d.buf.Len() > 0
			}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if d.buf.Len() > 0 {
				return true
			}
			if d.err != nil {
				return false
			}
			d.event = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if d.buf.Len() > 0 {
				d.buf.WriteByte('\n')
			}
			d.buf.WriteString(value)
		case "event":
			d.event = value
		}

		if d.err != nil {
			return d.buf.Len() > 0
		}
	}
}

// Data returns the payload of the current event.
func (d *sseDecoder) Data() []byte {
	return d.buf.Bytes()
}

// Event returns the event name of the current event, if any.
func (d *sseDecoder) Event() string {
	return d.event
}

// Err returns the first non-EOF read error.
func (d *sseDecoder) Err() error {
	if d.err == io.EOF {
		return nil
	}
	return d.err
}
