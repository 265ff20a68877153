package sse

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// Event is a single SSE data event.
type Event struct {
	// Name is the value of the preceding "event:" line, if any.
	Name string
	// Type is the JSON payload's "type" field, if any.
	Type string
	Data []byte
}

// Reader reads SSE events from an io.Reader. Events whose payload is not
// valid JSON are skipped.
type Reader struct {
	scanner *bufio.Scanner
	name    string
}

// NewReader creates a new SSE reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next SSE event. Returns nil, io.EOF when done.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			r.name = ""
			continue
		}
		if strings.HasPrefix(line, "event:") {
			r.name = strings.TrimSpace(line[len("event:"):])
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil, io.EOF
		}
		if !gjson.Valid(data) {
			continue
		}
		return &Event{
			Name: r.name,
			Type: gjson.Get(data, "type").String(),
			Data: []byte(data),
		}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
