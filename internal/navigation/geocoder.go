package navigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/wayfarer/internal/protocol"
	"github.com/ent0n29/wayfarer/internal/reliability"
)

// Geocoder resolves a spoken destination into map candidates.
type Geocoder interface {
	Geocode(ctx context.Context, query string) ([]protocol.PlaceCandidate, error)
}

const DefaultGeocodeBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"

var ErrEmptyQuery = errors.New("empty geocode query")

// HTTPGeocoder queries a Mapbox-compatible forward geocoding endpoint.
type HTTPGeocoder struct {
	baseURL string
	token   string
	limit   int
	client  *http.Client
	retry   reliability.RetryPolicy
}

func NewHTTPGeocoder(baseURL, token string, limit int) *HTTPGeocoder {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGeocodeBaseURL
	}
	if limit <= 0 {
		limit = 5
	}
	return &HTTPGeocoder{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		limit:   limit,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		retry: reliability.RetryPolicy{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second},
	}
}

type geocodeResponse struct {
	Features []struct {
		PlaceName string    `json:"place_name"`
		Center    []float64 `json:"center"`
		Relevance float64   `json:"relevance"`
	} `json:"features"`
}

func (g *HTTPGeocoder) Geocode(ctx context.Context, query string) ([]protocol.PlaceCandidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	endpoint := g.baseURL + "/" + url.PathEscape(query) + ".json"
	params := url.Values{}
	params.Set("access_token", g.token)
	params.Set("limit", strconv.Itoa(g.limit))
	params.Set("autocomplete", "false")
	endpoint += "?" + params.Encode()

	var out []protocol.PlaceCandidate
	err := reliability.Retry(ctx, g.retry, func(ctx context.Context, _ int) error {
		candidates, err := g.fetch(ctx, endpoint)
		if err != nil {
			return err
		}
		out = candidates
		return nil
	})
	return out, err
}

func (g *HTTPGeocoder) fetch(ctx context.Context, endpoint string) ([]protocol.PlaceCandidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	res, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("geocode http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, err
		}
		return nil, reliability.Permanent(err)
	}

	var decoded geocodeResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, reliability.Permanent(fmt.Errorf("decode response: %w", err))
	}
	out := make([]protocol.PlaceCandidate, 0, len(decoded.Features))
	for _, f := range decoded.Features {
		if len(f.Center) < 2 {
			continue
		}
		out = append(out, protocol.PlaceCandidate{
			PlaceName: f.PlaceName,
			Lng:       f.Center[0],
			Lat:       f.Center[1],
			Relevance: f.Relevance,
		})
	}
	return out, nil
}
