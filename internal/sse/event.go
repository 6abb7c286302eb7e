package sse

import (
	"bytes"
	"io"
)

// DataPrefix marks the only SSE field the relay forwards.
const DataPrefix = "data: "

// DefaultKeepaliveText is the comment body sent while a stream is idle.
const DefaultKeepaliveText = "keep-alive"

// Event is one data payload extracted from an upstream line.
type Event struct {
	Data string
}

// Extract trims surrounding whitespace from line and, if what remains starts
// with "data: " followed by at least one byte, returns the remainder as an
// Event. Every other line (comments, event/id/retry fields, blanks, bare
// "data:") yields nothing.
func Extract(line []byte) (Event, bool) {
	rest, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte(DataPrefix))
	if !ok || len(rest) == 0 {
		return Event{}, false
	}
	return Event{Data: string(rest)}, true
}

// WriteEvent writes ev as a single-line data frame: "data: <payload>\n\n".
func WriteEvent(w io.Writer, ev Event) error {
	buf := make([]byte, 0, len(DataPrefix)+len(ev.Data)+2)
	buf = append(buf, DataPrefix...)
	buf = append(buf, ev.Data...)
	buf = append(buf, '\n', '\n')
	_, err := w.Write(buf)
	return err
}

// WriteComment writes an SSE comment frame ":<text>\n\n". Clients ignore
// comments, which makes them suitable as keepalives.
func WriteComment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ":"+text+"\n\n")
	return err
}
