package spacetrack

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// HTTPError is a non-2xx (or HTML) response.
type HTTPError struct {
	Status  int
	Message string
	// RetryAfter is the server's Retry-After hint on 429/503, zero otherwise.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("http %d", e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// maxMessage caps the length of a plain-text error message.
const maxMessage = 200

func newHTTPError(resp *http.Response, body io.Reader, now time.Time) *HTTPError {
	b, _ := io.ReadAll(body)

	var msg string
	if isHTML(resp.Header) || looksLikeHTML(b) {
		msg = htmlErrorText(string(b))
	} else {
		msg = strings.Join(strings.Fields(string(b)), " ")
	}
	msg = truncateMessage(msg, maxMessage)

	e := &HTTPError{Status: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		e.RetryAfter = parseRetryAfter(resp.Header, now)
	}
	return e
}

// truncateMessage caps msg at limit bytes, cutting on a rune boundary.
func truncateMessage(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}

func looksLikeHTML(b []byte) bool {
	s := strings.TrimSpace(string(b))
	return strings.HasPrefix(s, "<")
}

// htmlErrorText reduces an HTML page (maintenance notice, proxy error) to
// its most telling text: the title, else the first heading, else the
// collapsed body text.
func htmlErrorText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range []string{"title", "h1", "h2", "body"} {
		if t := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " "); t != "" {
			return t
		}
	}
	return ""
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
