// Package geocode resolves free-form addresses to coordinates.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"pettrack/internal/model"
)

// DefaultBaseURL is the public Nominatim instance.
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

var ErrNoResult = errors.New("address not found")

type Geocoder interface {
	Lookup(ctx context.Context, query string) (model.GeoPoint, error)
}

// Nominatim queries a Nominatim-compatible /search endpoint.
type Nominatim struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func NewNominatim(baseURL, userAgent string, logger *zap.Logger) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = "pettrackd"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)
	return &Nominatim{httpClient: client, logger: logger}
}

// Lookup returns the first match for query, or ErrNoResult.
func (n *Nominatim) Lookup(ctx context.Context, query string) (model.GeoPoint, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return model.GeoPoint{}, ErrNoResult
	}
	var places []place
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"q": query, "format": "json", "limit": "1"}).
		SetResult(&places).
		Get("/search")
	if err != nil {
		n.logger.Warn("geocoder call failed", zap.String("query", query), zap.Error(err))
		return model.GeoPoint{}, fmt.Errorf("geocode %q: %w", query, err)
	}
	if resp.IsError() {
		return model.GeoPoint{}, fmt.Errorf("geocode %q: status %d", query, resp.StatusCode())
	}
	if len(places) == 0 {
		return model.GeoPoint{}, ErrNoResult
	}
	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("geocode %q: bad lat: %w", query, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("geocode %q: bad lon: %w", query, err)
	}
	n.logger.Debug("geocoded", zap.String("query", query), zap.String("match", places[0].DisplayName))
	return model.GeoPoint{Lat: lat, Lng: lon}, nil
}
