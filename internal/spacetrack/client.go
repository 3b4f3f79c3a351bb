// Package spacetrack is the transport to the Space-Track REST API: session
// login, rate-limited class queries, and the concrete element and catalog
// sources built on them.
package spacetrack

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
	stjson "github.com/Elaine-s-Datanauts/blacksky/internal/parser/json"
)

const (
	loginPath  = "/ajaxauth/login"
	logoutPath = "/ajaxauth/logout"

	// maxErrorBody caps how much of a non-2xx body is read for the message.
	maxErrorBody = 64 << 10
)

// ErrLogin is returned when the service rejects the credentials.
var ErrLogin = eris.New("spacetrack: login rejected")

// Options configures a Client.
type Options struct {
	// BaseURL is the service root, e.g. https://www.space-track.org.
	BaseURL string
	// RatePerMinute caps outgoing requests with a token bucket (burst 1).
	// Zero or negative disables limiting.
	RatePerMinute int
	// Timeout bounds each round-trip including the body. Zero means none.
	Timeout time.Duration
	// HTTPClient overrides the default client. Its Jar is replaced when nil.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client holds one authenticated session. It is meant for sequential use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// NewClient builds a Client with a fresh cookie jar.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, eris.Errorf("spacetrack: invalid base url %q", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, eris.Wrap(err, "spacetrack: cookie jar")
		}
		hc.Jar = jar
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		base:    base,
		http:    hc,
		limiter: lim,
		log:     log.Named("spacetrack"),
		now:     time.Now,
	}, nil
}

// Login authenticates and stores the session cookie in the client's jar.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{"identity": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return eris.Wrap(err, "spacetrack: build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.roundTrip(req, func(r io.Reader) ([]byte, error) {
		return io.ReadAll(io.LimitReader(r, maxErrorBody))
	})
	if err != nil {
		return eris.Wrap(err, "spacetrack: login")
	}

	// A rejected login is still a 200 with {"Login":"Failed"}.
	text := string(body)
	if strings.Contains(text, "Failed") {
		return ErrLogin
	}
	if _, derr := stjson.Decode(ctx, strings.NewReader(text)); derr != nil {
		var re *stjson.ResponseError
		if errors.As(derr, &re) {
			return eris.Wrapf(ErrLogin, "%s", re.Message)
		}
	}
	c.log.Info("spacetrack: logged in", zap.String("base_url", c.base.String()))
	return nil
}

// Logout ends the session. Failures are returned but callers usually only
// log them.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+logoutPath, nil)
	if err != nil {
		return eris.Wrap(err, "spacetrack: build logout request")
	}
	if _, err := c.roundTrip(req, drain); err != nil {
		return eris.Wrap(err, "spacetrack: logout")
	}
	return nil
}

// Query runs q and decodes the response.
//
// A body that is an error envelope is a failed Result, not an error. Errors
// are reserved for transport problems: network failures, non-2xx statuses,
// HTML pages and undecodable bodies.
func (c *Client) Query(ctx context.Context, q Query) (Result, error) {
	u, err := url.Parse(c.base.String() + q.Path())
	if err != nil {
		return Result{}, eris.Wrapf(err, "spacetrack: build %s url", q.Class)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, eris.Wrapf(err, "spacetrack: build %s request", q.Class)
	}
	req.Header.Set("Accept", "application/json")

	var res Result
	_, err = c.roundTrip(req, func(r io.Reader) ([]byte, error) {
		return nil, stjson.Stream(ctx, r, func(rec elements.RawRecord) error {
			res.Records = append(res.Records, rec)
			return nil
		}, nil)
	})
	if err != nil {
		var re *stjson.ResponseError
		if errors.As(err, &re) {
			return Result{Failure: re.Message}, nil
		}
		return Result{}, eris.Wrapf(err, "spacetrack: query %s", q.Class)
	}
	return res, nil
}

// roundTrip waits for the rate limiter, sends req and hands a 2xx JSON body
// to consume. Every attempt is recorded with metrics.RecordHTTP.
func (c *Client) roundTrip(req *http.Request, consume func(io.Reader) ([]byte, error)) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(0, err, c.now().Sub(start), -1, -1)
		return nil, err
	}
	defer resp.Body.Close()
	reqDur := c.now().Sub(start)

	cr := &countingReader{r: resp.Body}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || isHTML(resp.Header) {
		herr := newHTTPError(resp, io.LimitReader(cr, maxErrorBody), c.now())
		_, _ = io.Copy(io.Discard, cr)
		metrics.RecordHTTP(resp.StatusCode, herr, reqDur, c.now().Sub(start), cr.n)
		return nil, herr
	}

	body, err := consume(cr)
	// Drain whatever the consumer left so the connection can be reused.
	_, _ = io.Copy(io.Discard, cr)
	metrics.RecordHTTP(resp.StatusCode, err, reqDur, c.now().Sub(start), cr.n)
	return body, err
}

func drain(r io.Reader) ([]byte, error) {
	_, err := io.Copy(io.Discard, r)
	return nil, err
}

func isHTML(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
