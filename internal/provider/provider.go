// Package provider is the REST client for the property and overlay data
// provider.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/parcel-map-sync/internal/core/model"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/observability"
)

// SourceProperties is the layer source served by GET /properties; any other
// source "layers/<type>" is served by GET /layers/<type>.
const SourceProperties = "properties"

const maxErrBody = 8 << 10

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Code, e.Body)
}

type Request struct {
	Source   string
	Bound    orb.Bound
	Filters  map[string]string
	CacheKey string
}

type Interface interface {
	FetchFeatures(ctx context.Context, req Request) ([]model.Feature, error)
	FetchProperty(ctx context.Context, businessKey string) (map[string]any, error)
}

// Cache stores raw provider bodies. Failures are logged and ignored.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	base     *url.URL
	cache    Cache
	cacheTTL time.Duration
	startNow func() time.Time
}

var _ Interface = (*Client)(nil)

type Option func(*Client)

func WithCache(c Cache, ttl time.Duration) Option {
	return func(cl *Client) {
		cl.cache = c
		cl.cacheTTL = ttl
	}
}

func New(logger *slog.Logger, client *http.Client, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse provider url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("provider url %q must be absolute", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{logger: logger, client: client, base: u, startNow: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) FetchFeatures(ctx context.Context, req Request) ([]model.Feature, error) {
	var (
		endpoint string
		path     string
	)
	switch {
	case req.Source == SourceProperties:
		endpoint, path = "properties", "/properties"
	case strings.HasPrefix(req.Source, "layers/") && len(req.Source) > len("layers/"):
		endpoint, path = "layers", "/layers/"+url.PathEscape(strings.TrimPrefix(req.Source, "layers/"))
	default:
		return nil, fmt.Errorf("unknown layer source %q", req.Source)
	}

	q := url.Values{}
	q.Set("bbox", bboxParam(req.Bound))
	if endpoint == "properties" {
		for k, v := range req.Filters {
			q.Set(k, v)
		}
	}

	body, err := c.cachedGet(ctx, endpoint, path, q, req.CacheKey)
	if err != nil {
		return nil, err
	}
	if endpoint == "properties" {
		return decodeProperties(body)
	}
	return decodeLayer(body)
}

func (c *Client) FetchProperty(ctx context.Context, businessKey string) (map[string]any, error) {
	if strings.TrimSpace(businessKey) == "" {
		return nil, fmt.Errorf("empty business key: %w", ErrNotFound)
	}
	body, err := c.get(ctx, "property", "/property/"+url.PathEscape(businessKey), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("property %q: %w", businessKey, ErrNotFound)
		}
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode property: %w", err)
	}
	return out, nil
}

// Forget drops cached bodies so the next fetch for those keys goes upstream.
func (c *Client) Forget(ctx context.Context, keys ...string) error {
	if c.cache == nil || len(keys) == 0 {
		return nil
	}
	if err := c.cache.Del(ctx, keys...); err != nil {
		return fmt.Errorf("provider cache del: %w", err)
	}
	return nil
}

func (c *Client) cachedGet(ctx context.Context, endpoint, path string, q url.Values, key string) ([]byte, error) {
	if c.cache != nil && key != "" {
		b, ok, err := c.cache.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("provider cache get failed", "key", key, "err", err)
		case ok:
			return b, nil
		}
	}
	b, err := c.get(ctx, endpoint, path, q)
	if err != nil {
		return nil, err
	}
	if c.cache != nil && key != "" {
		if err := c.cache.Set(ctx, key, b, c.cacheTTL); err != nil {
			c.logger.Warn("provider cache set failed", "key", key, "err", err)
		}
	}
	return b, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values) ([]byte, error) {
	// path arrives escaped
	u := *c.base
	u.RawPath = c.base.EscapedPath() + path
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return nil, fmt.Errorf("provider path %q: %w", path, err)
	}
	u.Path = unescaped
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := c.startNow()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveProviderLatency(endpoint, dur.Seconds())
	c.logger.Debug("provider call", "endpoint", endpoint, "status", resp.StatusCode, "duration", dur.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

func bboxParam(b orb.Bound) string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
}

var businessKeyFields = []string{"id", "parcel_id", "prop_id"}

// decodeProperties accepts {"properties":[...]} or a bare array. Records
// without a usable location are skipped.
func decodeProperties(body []byte) ([]model.Feature, error) {
	body = bytes.TrimSpace(body)
	var records []map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if len(body) > 0 && body[0] == '[' {
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
	} else {
		var env struct {
			Properties []map[string]any `json:"properties"`
		}
		if err := dec.Decode(&env); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
		records = env.Properties
	}

	out := make([]model.Feature, 0, len(records))
	for _, rec := range records {
		geom, ok := recordGeometry(rec)
		if !ok {
			continue
		}
		attrs := make(map[string]any, len(rec))
		for k, v := range rec {
			if k == "geometry" {
				continue
			}
			attrs[k] = plain(v)
		}
		out = append(out, model.Feature{
			PositionalID: len(out),
			BusinessKey:  businessKey(attrs),
			Geometry:     geom,
			Attributes:   attrs,
		})
	}
	return out, nil
}

func recordGeometry(rec map[string]any) (orb.Geometry, bool) {
	if raw, ok := rec["geometry"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err == nil {
			var g geojson.Geometry
			if err := g.UnmarshalJSON(b); err == nil && g.Coordinates != nil {
				return g.Coordinates, true
			}
		}
	}
	lat, okLat := number(firstOf(rec, "latitude", "lat"))
	lon, okLon := number(firstOf(rec, "longitude", "lon", "lng"))
	if !okLat || !okLon {
		return nil, false
	}
	return orb.Point{lon, lat}, true
}

func decodeLayer(body []byte) ([]model.Feature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	out := make([]model.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		attrs := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			attrs[k] = plain(v)
		}
		key := businessKey(attrs)
		if key == "" && f.ID != nil {
			key = stringify(f.ID)
		}
		out = append(out, model.Feature{
			PositionalID: len(out),
			BusinessKey:  key,
			Geometry:     f.Geometry,
			Attributes:   attrs,
		})
	}
	return out, nil
}

func businessKey(attrs map[string]any) string {
	for _, k := range businessKeyFields {
		if v, ok := attrs[k]; ok && v != nil {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstOf(rec map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// plain turns json.Number into int64 or float64 so attributes compare and
// re-encode naturally.
func plain(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
