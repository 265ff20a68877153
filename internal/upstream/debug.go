package upstream

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
)

func (c *Client) dumpRequest(req *http.Request) {
	if c == nil || !c.Debug || req == nil {
		return
	}
	dump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Error("upstream.request.dump.failed", "error", err)
		return
	}
	c.writeDebugDumpBlock("HELPER REQUEST", redactCookie(dump))
}

// dumpResponse writes the status line and headers only. The body is a live
// event stream and is left untouched for the reader.
func (c *Client) dumpResponse(resp *http.Response) {
	if c == nil || !c.Debug || resp == nil {
		return
	}
	dump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		slog.Error("upstream.response.dump.failed", "error", err)
		return
	}
	c.writeDebugDumpBlock("HELPER RESPONSE", dump)
}

func (c *Client) writeDebugDumpBlock(title string, data []byte) {
	c.dumpMu.Lock()
	defer c.dumpMu.Unlock()

	var b strings.Builder
	b.WriteString("===== " + title + " BEGIN =====\n")
	b.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("===== " + title + " END =====\n")
	if _, err := os.Stderr.WriteString(b.String()); err != nil {
		slog.Error("upstream.dump.write.failed", "title", title, "error", err)
	}
}

func redactCookie(dump []byte) []byte {
	lines := strings.Split(string(dump), "\r\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "cookie:") || strings.HasPrefix(lower, "authorization:") {
			name, _, _ := strings.Cut(line, ":")
			lines[i] = name + ": [redacted]"
		}
	}
	return []byte(strings.Join(lines, "\r\n"))
}
