package tract

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for parcel fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts per fetch.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB.
	maxResponseBytes = 50 << 20
)

// FetchOption configures an HTTPSource.
type FetchOption func(*HTTPSource)

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(s *HTTPSource) {
		s.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(s *HTTPSource) {
		s.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(s *HTTPSource) {
		s.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(s *HTTPSource) {
		s.client = client
	}
}

// WithRateLimit caps requests per second against the upstream. Zero or
// negative disables limiting.
func WithRateLimit(perSecond float64) FetchOption {
	return func(s *HTTPSource) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// HTTPSource fetches a parcel FeatureCollection from
// GET <url>?bbox=minLon,minLat,maxLon,maxLat.
type HTTPSource struct {
	URL    string
	Fields FieldMapping

	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	limiter     *rate.Limiter
}

// NewHTTPSource returns a source for the given endpoint.
func NewHTTPSource(endpoint string, fields FieldMapping, opts ...FetchOption) *HTTPSource {
	s := &HTTPSource{
		URL:         endpoint,
		Fields:      fields,
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: s.timeout}
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	return s
}

// Fetch implements ParcelSource. Transport failures and non-200 responses
// are retried with exponential backoff; decode failures are not.
func (s *HTTPSource) Fetch(ctx context.Context, bbox BBox) ([]Parcel, error) {
	if s.URL == "" {
		return nil, eris.New("tract: http source: URL is empty")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, eris.Wrap(err, "tract: http source: parse URL")
	}
	if !bbox.IsZero() {
		q := u.Query()
		q.Set("bbox", bbox.String())
		u.RawQuery = q.Encode()
	}

	var lastErr error
	for attempt := range s.maxRetries {
		if attempt > 0 {
			backoff := s.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, eris.Wrap(ctx.Err(), "tract: http source")
			case <-time.After(backoff):
			}
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "tract: http source: rate limit")
			}
		}

		body, err := s.doFetch(ctx, u.String())
		if err != nil {
			lastErr = err
			continue
		}
		parcels, err := DecodeParcels(body, s.Fields)
		if err != nil {
			return nil, eris.Wrap(err, "tract: http source")
		}
		return parcels, nil
	}
	return nil, eris.Wrapf(lastErr, "tract: http source: all %d attempts failed", s.maxRetries)
}

func (s *HTTPSource) doFetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "HTTP GET %s", target)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("HTTP GET %s: status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "reading response from %s", target)
	}
	return body, nil
}
