package streamconv

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// readSSEBlock reads one event block (terminated by a blank line) from the
// upstream stream.
func readSSEBlock(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return b.String(), io.EOF
			}
			return "", err
		}
		if line == "\n" || line == "\r\n" {
			return b.String(), nil
		}
		b.WriteString(line)
	}
}

// extractSSEData joins the data lines of one SSE block.
func extractSSEData(block string) string {
	lines := strings.Split(block, "\n")
	var dataLines []string
	for _, ln := range lines {
		ln = strings.TrimRight(ln, "\r")
		if strings.HasPrefix(ln, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(ln, "data:")))
		}
	}
	return strings.TrimSpace(strings.Join(dataLines, "\n"))
}

// eventWriter emits canonical `event:`/`data:` frames, flushing after each
// one when the transport supports it.
type eventWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newEventWriter(w io.Writer) *eventWriter {
	ew := &eventWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		ew.flusher = f
	}
	return ew
}

func (ew *eventWriter) write(name string, payload any) {
	b, _ := json.Marshal(payload)
	_, _ = ew.w.Write([]byte("event: " + name + "\n"))
	_, _ = ew.w.Write([]byte("data: "))
	_, _ = ew.w.Write(b)
	_, _ = ew.w.Write([]byte("\n\n"))
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
}
