package clientside

import (
	"bufio"
	"net/http"
	"net/textproto"
	"strings"
)

// encodeHeaders renders h as CRLF-joined "Key: value" lines, the same
// shape diskcache persists to the header block of a disk entry, so one
// format serves both the atom-interned in-memory copy and the on-disk
// copy.
func encodeHeaders(h http.Header) string {
	var sb strings.Builder
	for k, vv := range h {
		for _, v := range vv {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
	return sb.String()
}

func decodeHeaders(raw string) http.Header {
	h := make(http.Header)
	reader := textproto.NewReader(bufio.NewReader(strings.NewReader(raw + "\r\n")))
	for {
		line, err := reader.ReadLine()
		if err != nil || line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}
