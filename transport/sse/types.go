package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/c0deZ3R0/quotesync/synckit"
)

// Frame is one Server-Sent Event as written on the wire.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// writeEvent writes ev as a frame. The event name is the event type so browsers can
// addEventListener per type.
func writeEvent(w io.Writer, id uint64, ev synckit.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, ev.Type, b)
	return err
}

// frameReader splits a stream into frames. Comment lines are skipped.
type frameReader struct {
	sc *bufio.Scanner
}

func newFrameReader(r io.Reader, maxLine int) *frameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &frameReader{sc: sc}
}

// Next returns the next frame that carries data, or io.EOF.
func (fr *frameReader) Next() (Frame, error) {
	var f Frame
	for fr.sc.Scan() {
		line := fr.sc.Bytes()
		switch {
		case len(line) == 0:
			if len(f.Data) > 0 {
				return f, nil
			}
			f = Frame{}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			if len(f.Data) > 0 {
				f.Data = append(f.Data, '\n')
			}
			f.Data = append(f.Data, bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" "))...)
		case bytes.HasPrefix(line, []byte("event:")):
			f.Event = strings.TrimSpace(string(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("id:")):
			f.ID = strings.TrimSpace(string(line[len("id:"):]))
		}
	}
	if err := fr.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// Decode unmarshals the frame data into an event.
func (f Frame) Decode() (synckit.Event, error) {
	var ev synckit.Event
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return synckit.Event{}, err
	}
	return ev, nil
}
