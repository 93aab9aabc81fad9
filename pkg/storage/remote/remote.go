// Package remote reads the jingle graph from the jingle.ar admin HTTP API. It is read-only.
//
// Endpoints, relative to the base URL:
//
//	GET /api/entities/{id}                     -> {"entity": {...}}
//	GET /api/entities/{id}/related?relType=&direction=&targetType=[&countOnly=true]
//	                                           -> {"items": [{"entity": {...}, "relationship": {...}}], "count": n}
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/retryablehttp"
	"github.com/jinglear/jingle/pkg/storage"
)

const (
	Engine = "remote"

	requestIDHeader   = "X-Request-Id"
	requestIDTraceKey = "request_id"
)

var tracer = otel.Tracer("jingle/pkg/storage/remote")

// maxBodySize bounds a response body; larger answers are an error.
const maxBodySize = 32 << 20

type Option func(*Datastore)

// WithHTTPClient replaces the retrying client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Datastore) {
		d.client = c
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(d *Datastore) {
		d.token = token
	}
}

// Datastore is a read-only [storage.Datastore] over the admin API.
type Datastore struct {
	base   *url.URL
	client *http.Client
	token  string
}

var _ storage.Datastore = (*Datastore)(nil)

func New(baseURL string, opts ...Option) (*Datastore, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}

	d := &Datastore{
		base:   base,
		client: retryablehttp.NewClient().StandardClient(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Datastore) get(ctx context.Context, path string, query url.Values) (gjson.Result, error) {
	u := d.base.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(requestIDTraceKey, requestID))

	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s: %w", u.Path, err)
	}
	if len(body) > maxBodySize {
		return gjson.Result{}, fmt.Errorf("read %s: response larger than %d bytes", u.Path, maxBodySize)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return gjson.Result{}, storage.ErrNotFound
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = resp.Status
		}
		return gjson.Result{}, fmt.Errorf("GET %s: %s", u.Path, msg)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("GET %s: invalid json", u.Path)
	}
	return gjson.ParseBytes(body), nil
}

// parseTime accepts RFC 3339 strings and unix milliseconds.
func parseTime(r gjson.Result) *time.Time {
	var t time.Time
	switch r.Type {
	case gjson.Number:
		t = time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		parsed, err := time.Parse(time.RFC3339Nano, r.Str)
		if err != nil {
			return nil
		}
		t = parsed.UTC()
	default:
		return nil
	}
	return &t
}

func parseProperties(r gjson.Result) map[string]any {
	if !r.IsObject() {
		return nil
	}
	props, _ := r.Value().(map[string]any)
	if len(props) == 0 {
		return nil
	}
	return props
}

func parseEntity(r gjson.Result) (entity.Entity, error) {
	kind, err := entity.ParseKind(r.Get("kind").String())
	if err != nil {
		return entity.Entity{}, err
	}
	e := entity.Entity{
		ID:            r.Get("id").String(),
		Kind:          kind,
		Name:          r.Get("name").String(),
		Title:         r.Get("title").String(),
		Category:      r.Get("category").String(),
		Status:        r.Get("status").String(),
		Date:          parseTime(r.Get("date")),
		ContainerDate: parseTime(r.Get("containerDate")),
		Properties:    parseProperties(r.Get("properties")),
	}
	if ts := r.Get("timestamp"); ts.Type == gjson.Number {
		v := ts.Float()
		e.Timestamp = &v
	}
	if created := parseTime(r.Get("createdAt")); created != nil {
		e.CreatedAt = *created
	}
	if err := e.Validate(); err != nil {
		return entity.Entity{}, fmt.Errorf("%w: %s", storage.ErrInvalidEntity, err.Error())
	}
	return e, nil
}

func parseRelationship(r gjson.Result) storage.Relationship {
	rel := storage.Relationship{
		RelType:    r.Get("type").String(),
		StartID:    r.Get("start").String(),
		EndID:      r.Get("end").String(),
		Properties: parseProperties(r.Get("properties")),
	}
	if created := parseTime(r.Get("createdAt")); created != nil {
		rel.CreatedAt = *created
	}
	return rel
}

func relatedQuery(filter storage.RelatedFilter) url.Values {
	q := url.Values{}
	q.Set("direction", string(filter.Direction))
	if filter.RelType != "" {
		q.Set("relType", filter.RelType)
	}
	if filter.TargetType != "" {
		q.Set("targetType", string(filter.TargetType))
	}
	return q
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (d *Datastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "remote.ReadEntity")
	defer span.End()

	res, err := d.get(ctx, "/api/entities/"+url.PathEscape(id), nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return entity.Entity{}, storage.EntityNotFoundError(id)
		}
		return entity.Entity{}, err
	}
	return parseEntity(res.Get("entity"))
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (d *Datastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	ctx, span := tracer.Start(ctx, "remote.ReadRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	if err := filter.Validate(); err != nil {
		return nil, err
	}

	res, err := d.get(ctx, "/api/entities/"+url.PathEscape(filter.EntityID)+"/related", relatedQuery(filter))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items := res.Get("items").Array()
	related := make([]entity.Entity, 0, len(items))
	for _, item := range items {
		e, err := parseEntity(item.Get("entity"))
		if err != nil {
			return nil, err
		}
		if filter.TargetType != "" && e.Kind != filter.TargetType {
			continue
		}
		related = append(related, storage.Decorate(e, parseRelationship(item.Get("relationship"))))
	}
	return related, nil
}

// CountRelated see [storage.GraphReader].CountRelated.
func (d *Datastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	ctx, span := tracer.Start(ctx, "remote.CountRelated")
	defer span.End()

	if err := filter.Validate(); err != nil {
		return 0, err
	}

	q := relatedQuery(filter)
	q.Set("countOnly", "true")
	res, err := d.get(ctx, "/api/entities/"+url.PathEscape(filter.EntityID)+"/related", q)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if count := res.Get("count"); count.Exists() {
		return int(count.Int()), nil
	}
	return len(res.Get("items").Array()), nil
}

// WriteEntities returns [storage.ErrReadOnly].
func (d *Datastore) WriteEntities(context.Context, []entity.Entity) error {
	return storage.ErrReadOnly
}

// WriteRelationships returns [storage.ErrReadOnly].
func (d *Datastore) WriteRelationships(context.Context, []storage.Relationship) error {
	return storage.ErrReadOnly
}

// UpdateRelationshipProperties returns [storage.ErrReadOnly].
func (d *Datastore) UpdateRelationshipProperties(context.Context, []storage.RelationshipUpdate) error {
	return storage.ErrReadOnly
}

// IsReady calls GET /health, which answers a JSON document when the API is up.
func (d *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := d.get(ctx, "/health", nil); err != nil {
		return storage.ReadinessStatus{Message: err.Error()}, nil
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close does nothing; the HTTP client keeps no state worth releasing.
func (d *Datastore) Close() {}
