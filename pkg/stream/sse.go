package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// DoneMarker is the data payload that ends a server-sent event stream.
const DoneMarker = "[DONE]"

// maxEventSize bounds a single event line.
const maxEventSize = 1 << 20

// Event is one server-sent event.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// IsDone reports whether the event is the end-of-stream marker.
func (e *Event) IsDone() bool {
	return strings.TrimSpace(e.Data) == DoneMarker
}

// SSEDecoder reads server-sent events from an io.Reader.
type SSEDecoder struct {
	r *bufio.Scanner
}

// NewSSEDecoder creates a decoder.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &SSEDecoder{r: scanner}
}

// Decode reads the next event. Comment lines are skipped and multiple data
// lines are joined with newlines. It returns io.EOF at end of input.
func (d *SSEDecoder) Decode() (*Event, error) {
	var (
		evt  Event
		data []string
		seen bool
	)
	for d.r.Scan() {
		line := strings.TrimSuffix(d.r.Text(), "\r")
		if line == "" {
			if seen {
				evt.Data = strings.Join(data, "\n")
				return &evt, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		seen = true
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			evt.Event = value
		case "id":
			evt.ID = value
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				evt.Retry = n
			}
		}
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	if seen {
		evt.Data = strings.Join(data, "\n")
		return &evt, nil
	}
	return nil, io.EOF
}

// SSEEncoder writes server-sent events and flushes after each one.
type SSEEncoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEEncoder creates an encoder. Writers that implement http.Flusher are
// flushed after every event.
func NewSSEEncoder(w io.Writer) *SSEEncoder {
	f, _ := w.(http.Flusher)
	return &SSEEncoder{w: w, flusher: f}
}

// Encode writes v as a JSON data event.
func (e *SSEEncoder) Encode(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.WriteData(string(data))
}

// WriteData writes a raw data event.
func (e *SSEEncoder) WriteData(data string) error {
	var b strings.Builder
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Done writes the end-of-stream marker.
func (e *SSEEncoder) Done() error {
	return e.WriteData(DoneMarker)
}
