package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	polyline "github.com/twpayne/go-polyline"
	"golang.org/x/time/rate"

	"fleetroute/internal/geo"
)

// DefaultOSRMURL is the public OSRM demo server.
const DefaultOSRMURL = "http://router.project-osrm.org"

// polyline6 decodes OSRM "polyline6" geometries.
var polyline6 = polyline.Codec{Dim: 2, Scale: 1e6}

// LookupError is returned when the external router cannot produce a route.
type LookupError struct {
	Status int
	Reason string
	Err    error
}

func (e *LookupError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("osrm lookup failed: HTTP %d: %s", e.Status, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("osrm lookup failed: %s: %v", e.Reason, e.Err)
	}
	return "osrm lookup failed: " + e.Reason
}

func (e *LookupError) Unwrap() error { return e.Err }

// OSRMOptions configures OSRMClient.
type OSRMOptions struct {
	BaseURL           string
	Profile           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retries           int
	HTTPClient        *http.Client
}

// OSRMClient queries the OSRM route service. It is safe for concurrent use.
type OSRMClient struct {
	baseURL string
	profile string
	http    *http.Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration
}

type osrmRouteResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry string  `json:"geometry"`
	} `json:"routes"`
}

func NewOSRMClient(opts OSRMOptions) *OSRMClient {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultOSRMURL
	}
	profile := opts.Profile
	if profile == "" {
		profile = "driving"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &OSRMClient{
		baseURL: base,
		profile: profile,
		http:    client,
		limiter: rate.NewLimiter(limit, 1),
		retries: opts.Retries,
		backoff: 200 * time.Millisecond,
	}
}

// Route returns distance, duration and decoded geometry through coords in order.
func (c *OSRMClient) Route(ctx context.Context, coords []geo.Coordinate) (Segment, error) {
	if len(coords) < 2 {
		return Segment{Path: coords}, nil
	}

	parts := make([]string, len(coords))
	for i, p := range coords {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	queryURL := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=polyline6",
		c.baseURL, c.profile, strings.Join(parts, ";"))

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	})
	if err != nil {
		return Segment{}, err
	}
	defer resp.Body.Close()

	var body osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Segment{}, &LookupError{Reason: "decode response", Err: err}
	}
	if body.Code != "" && body.Code != "Ok" {
		return Segment{}, &LookupError{Reason: fmt.Sprintf("code %s: %s", body.Code, body.Message)}
	}
	if len(body.Routes) == 0 {
		return Segment{}, &LookupError{Reason: "no routes returned"}
	}

	route := body.Routes[0]
	path := coords
	if route.Geometry != "" {
		decoded, _, err := polyline6.DecodeCoords([]byte(route.Geometry))
		if err != nil {
			return Segment{}, &LookupError{Reason: "decode geometry", Err: err}
		}
		path = make([]geo.Coordinate, 0, len(decoded))
		for _, ll := range decoded {
			path = append(path, geo.Coordinate{Lat: ll[0], Lon: ll[1]})
		}
	}

	return Segment{
		DistanceKm: route.Distance / 1000,
		TimeMin:    route.Duration / 60,
		Path:       path,
	}, nil
}

func (c *OSRMClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &LookupError{Reason: "request", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &LookupError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries network errors and 429/5xx responses with exponential
// backoff. Every attempt waits for the rate limiter.
func (c *OSRMClient) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	backoff := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &LookupError{Reason: "rate limit wait", Err: err}
		}

		req, err := makeReq()
		if err != nil {
			return nil, &LookupError{Reason: "create request", Err: err}
		}

		resp, err := c.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.retries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &LookupError{Reason: "cancelled", Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
	}

	return nil, lastErr
}

func retryable(err error) bool {
	var le *LookupError
	if errors.As(err, &le) {
		switch le.Status {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
