package stream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// sseFrame is one dispatched Server-Sent Events message.
type sseFrame struct {
	Event string
	Data  []byte
}

// readSSE parses an event stream and calls emit for every complete message.
// Comment lines are skipped. It returns nil on EOF.
func readSSE(r io.Reader, emit func(sseFrame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var eventName string
	var dataLines []string

	flushEvent := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		if eventName == "" {
			eventName = "message"
		}
		emit(sseFrame{
			Event: eventName,
			Data:  []byte(strings.Join(dataLines, "\n")),
		})
		eventName = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flushEvent()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			part := strings.TrimPrefix(line, "data:")
			if strings.HasPrefix(part, " ") {
				part = part[1:]
			}
			dataLines = append(dataLines, part)
		}
	}
	flushEvent()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// isControlFrame reports whether a frame is handshake or keep-alive noise
// rather than an event.
func isControlFrame(event string, data []byte) bool {
	if event == "handshake" {
		return true
	}
	switch strings.TrimSpace(string(data)) {
	case "", "connected", "keep-alive":
		return true
	}
	return false
}
