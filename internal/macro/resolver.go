// Package macro turns a postback template and an event into a concrete
// outbound request.
package macro

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shohag/postrelay/internal/models"
)

// ErrResolution marks a template that cannot produce a valid request. It is
// never retried.
var ErrResolution = errors.New("template resolution failed")

const (
	HeaderEvent   = "X-Postback-Event"
	HeaderEventID = "X-Postback-ID"

	guardTimeParam  = "_t"
	guardNonceParam = "_n"
)

var UserAgent = "postrelay/1.0"

// Guard is the cache-busting pair appended to every resolved URL. Timestamp is
// also the signing timestamp.
type Guard struct {
	Timestamp int64
	Nonce     string
}

func NewGuard(now time.Time) Guard {
	return Guard{
		Timestamp: now.Unix(),
		Nonce:     strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Macros  map[string]string
	Guard   Guard
}

// Resolve substitutes the event's macros into the template URL. It does no
// I/O and returns the same request for the same inputs.
func Resolve(tpl *models.Template, evt models.Event, guard Guard) (*Request, error) {
	if strings.TrimSpace(tpl.URL) == "" {
		return nil, fmt.Errorf("%w: empty url", ErrResolution)
	}

	method := strings.ToUpper(tpl.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrResolution, tpl.Method)
	}

	macros := evt.MacroMap()
	raw := Substitute(tpl.URL, macros)

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be absolute http or https, got %q", ErrResolution, raw)
	}

	g := guardTimeParam + "=" + strconv.FormatInt(guard.Timestamp, 10) + "&" + guardNonceParam + "=" + url.QueryEscape(guard.Nonce)
	if u.RawQuery == "" {
		u.RawQuery = g
	} else {
		u.RawQuery += "&" + g
	}

	req := &Request{
		Method: method,
		URL:    u.String(),
		Headers: map[string]string{
			"User-Agent":  UserAgent,
			HeaderEvent:   evt.Type,
			HeaderEventID: evt.ID,
		},
		Macros: macros,
		Guard:  guard,
	}

	if method == http.MethodPost {
		body, err := json.Marshal(macros)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrResolution, err)
		}
		req.Body = body
		req.Headers["Content-Type"] = "application/json"
	}

	return req, nil
}

// Substitute replaces every {key} and [key] placeholder in one pass.
// Substituted values are query-escaped and never expanded again.
func Substitute(template string, macros map[string]string) string {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]
		if c == '{' || c == '[' {
			closer := byte('}')
			if c == '[' {
				closer = ']'
			}
			if end := placeholderEnd(template, i+1, closer); end > 0 {
				key := template[i+1 : end]
				b.WriteString(escape(macros[key]))
				i = end + 1
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// placeholderEnd returns the index of closer if template[start:] begins with
// a valid macro name followed by closer, or -1.
func placeholderEnd(template string, start int, closer byte) int {
	for j := start; j < len(template); j++ {
		c := template[j]
		if c == closer {
			if j == start {
				return -1
			}
			return j
		}
		if !isNameByte(c) {
			return -1
		}
	}
	return -1
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '.' || c == '-'
}

func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
