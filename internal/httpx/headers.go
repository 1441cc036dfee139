package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// Request is a parsed HTTP/1.x request start-line + headers.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	// HeaderLen is the size of the start-line and headers including the terminator.
	HeaderLen int
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *Request) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// URL rebuilds the absolute request URL. Absolute-form request targets are returned as is.
func (p *Request) URL() string {
	if strings.HasPrefix(p.URI, "http://") || strings.HasPrefix(p.URI, "https://") {
		return p.URI
	}
	host := p.Get("Host")
	if host == "" {
		return p.URI
	}
	return "http://" + host + p.URI
}

var errNotHTTP = errors.New("httpx: not an http request")

var methods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT", "TRACE"}

// LooksLikeRequest reports whether b starts with an HTTP method token.
func LooksLikeRequest(b []byte) bool {
	for _, m := range methods {
		if len(b) > len(m) && bytes.HasPrefix(b, []byte(m)) && b[len(m)] == ' ' {
			return true
		}
	}
	return false
}

// ParseRequest parses the request head at the start of b. b must contain the whole head.
func ParseRequest(b []byte, max int) (*Request, error) {
	if !LooksLikeRequest(b) {
		return nil, errNotHTTP
	}
	end := headerEnd(b)
	if end == -1 {
		if len(b) > max {
			return nil, fmt.Errorf("header too large (%d>%d)", len(b), max)
		}
		return nil, io.ErrUnexpectedEOF
	}
	if end > max {
		return nil, fmt.Errorf("header too large (%d>%d)", end, max)
	}
	p, err := parseBuffer(b[:end])
	if err != nil {
		return nil, err
	}
	p.HeaderLen = end
	return p, nil
}

// headerEnd returns the offset just past the blank line ending the head, or -1.
func headerEnd(b []byte) int {
	if idx := bytes.Index(b, []byte("\r\n\r\n")); idx != -1 {
		return idx + 4
	}
	if idx := bytes.Index(b, []byte("\n\n")); idx != -1 {
		return idx + 2
	}
	return -1
}

func parseBuffer(headerPart []byte) (*Request, error) {
	reader := bufio.NewReader(bytes.NewReader(headerPart))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) < 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	ph := &Request{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || len(line) == 0 {
				break
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		ph.Headers = append(ph.Headers, Header{Name: name, Value: value})
	}
	return ph, nil
}
