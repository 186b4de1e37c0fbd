package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	DialectOData  = "odata"
	DialectFMData = "fmdata"

	AuthBasic   = "basic"
	AuthSession = "session"

	// fmNoRecords is the Data API message code for "no records match".
	fmNoRecords = "401"

	// Data API sessions expire after 15 idle minutes; renew a little early.
	sessionTTL = 14 * time.Minute
)

// Options configure a Client.
type Options struct {
	BaseURL  string
	Database string
	Dialect  string
	Auth     string
	Username string
	Password string
	PageSize int
	Timeout  time.Duration
	// Transport is the base round tripper, http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// StatusError is returned when the legacy API answers a page request with
// a non-success status. Extraction stops; nothing is retried.
type StatusError struct {
	Layout string
	Offset int
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("legacy %s: page at offset %d: HTTP %d: %s", e.Layout, e.Offset, e.Status, e.Body)
}

// Client talks to the legacy server through either its OData endpoint or
// the FileMaker Data API.
type Client struct {
	opts    Options
	http    *http.Client
	session *sessionSource
}

// NewClient builds a client. With session auth no request is made until
// the first page is fetched.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("legacy base URL is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("legacy database name is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	c := &Client{opts: opts}
	switch opts.Auth {
	case AuthBasic, "":
		c.http = &http.Client{
			Timeout:   opts.Timeout,
			Transport: &basicAuthTransport{user: opts.Username, pass: opts.Password, base: base},
		}
	case AuthSession:
		if opts.Dialect != DialectFMData {
			return nil, fmt.Errorf("session auth requires the %s dialect", DialectFMData)
		}
		c.session = &sessionSource{
			http:     &http.Client{Timeout: opts.Timeout, Transport: base},
			endpoint: c.dataAPI("sessions"),
			user:     opts.Username,
			pass:     opts.Password,
		}
		c.http = &http.Client{
			Timeout: opts.Timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.ReuseTokenSource(nil, c.session),
				Base:   base,
			},
		}
	default:
		return nil, fmt.Errorf("unknown legacy auth %q", opts.Auth)
	}

	switch opts.Dialect {
	case DialectOData, DialectFMData:
	default:
		return nil, fmt.Errorf("unknown legacy dialect %q", opts.Dialect)
	}
	return c, nil
}

func (c *Client) dataAPI(parts ...string) string {
	segs := []string{c.opts.BaseURL, "fmi/data/vLatest/databases", url.PathEscape(c.opts.Database)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

func (c *Client) odata(entitySet string) string {
	return strings.Join([]string{c.opts.BaseURL, "fmi/odata/v4", url.PathEscape(c.opts.Database), url.PathEscape(entitySet)}, "/")
}

// Source returns the paginated source for a layout (Data API) or entity
// set (OData).
func (c *Client) Source(layout string) *APISource {
	return &APISource{client: c, layout: layout}
}

// Close releases the Data API session, if one was opened.
func (c *Client) Close(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	token := c.session.current()
	if token == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.dataAPI("sessions", token), nil)
	if err != nil {
		return err
	}
	resp, err := c.session.http.Do(req)
	if err != nil {
		return fmt.Errorf("release legacy session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("release legacy session: HTTP %d", resp.StatusCode)
	}
	return nil
}

// APISource pages through one layout.
type APISource struct {
	client *Client
	layout string
}

func (s *APISource) Describe() string {
	return fmt.Sprintf("%s:%s/%s", s.client.opts.Dialect, s.client.opts.Database, s.layout)
}

// Extract requests fixed-size pages until a page comes back short, and
// returns every record at once.
func (s *APISource) Extract(ctx context.Context) (*Batch, error) {
	log := zerolog.Ctx(ctx)
	size := s.client.opts.PageSize
	batch := &Batch{}
	for offset := 0; ; offset += size {
		page, err := s.fetch(ctx, offset, size)
		if err != nil {
			return nil, err
		}
		batch.Records = append(batch.Records, page...)
		log.Debug().Str("source", s.Describe()).Int("offset", offset).Int("records", len(page)).Msg("fetched page")
		if len(page) < size {
			break
		}
	}
	return batch, nil
}

func (s *APISource) fetch(ctx context.Context, offset, size int) ([]Record, error) {
	var u string
	q := url.Values{}
	switch s.client.opts.Dialect {
	case DialectOData:
		u = s.client.odata(s.layout)
		q.Set("$top", strconv.Itoa(size))
		q.Set("$skip", strconv.Itoa(offset))
	default:
		u = s.client.dataAPI("layouts", s.layout, "records")
		q.Set("_offset", strconv.Itoa(offset+1))
		q.Set("_limit", strconv.Itoa(size))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", s.layout, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("legacy %s: page at offset %d: %w", s.layout, offset, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("legacy %s: read page at offset %d: %w", s.layout, offset, err)
	}
	records, messages, decodeErr := decodeRecords(bytes.NewReader(body))

	// The Data API reports an exhausted result set as message 401, with an
	// error status on some server versions.
	for _, m := range messages {
		if m.Code == fmNoRecords {
			return nil, nil
		}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Layout: s.layout, Offset: offset, Status: resp.StatusCode, Body: snippet(body)}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("legacy %s: decode page at offset %d: %w", s.layout, offset, decodeErr)
	}
	return records, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

type basicAuthTransport struct {
	user, pass string
	base       http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.user, t.pass)
	return t.base.RoundTrip(r)
}

// sessionSource opens Data API sessions. Wrapped in oauth2.ReuseTokenSource
// it hands out the same bearer token until it nears expiry.
type sessionSource struct {
	http     *http.Client
	endpoint string
	user     string
	pass     string

	mu   sync.Mutex
	last string
}

func (s *sessionSource) Token() (*oauth2.Token, error) {
	req, err := http.NewRequest(http.MethodPost, s.endpoint, strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.user, s.pass)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open legacy session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("open legacy session: HTTP %d: %s", resp.StatusCode, snippet(body))
	}

	var out struct {
		Response struct {
			Token string `json:"token"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode legacy session: %w", err)
	}
	token := out.Response.Token
	if token == "" {
		token = resp.Header.Get("X-FM-Data-Access-Token")
	}
	if token == "" {
		return nil, fmt.Errorf("open legacy session: no token in response")
	}

	s.mu.Lock()
	s.last = token
	s.mu.Unlock()
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer", Expiry: time.Now().Add(sessionTTL)}, nil
}

func (s *sessionSource) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
