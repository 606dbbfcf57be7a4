// Package telemetry provides request tagging and metrics for the synchronizer
// and its bridge server.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestTagsKey contextKey = "request_tags"
	kindKey        contextKey = "kind"
)

// Source is where the data served to a request came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceMerged  Source = "merged"
	SourceNone    Source = "none"
	SourceNA      Source = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Kind   string
	Source Source
	Route  string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Source: SourceNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetSource records where the response data came from.
func SetSource(r *http.Request, source Source) {
	if tags := GetTags(r); tags != nil {
		tags.Source = source
	}
}

// SetKind sets the entity kind served by the request.
func SetKind(r *http.Request, kind string) {
	if tags := GetTags(r); tags != nil {
		tags.Kind = kind
	}
}

// SetRoute sets the matched route pattern.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// KindFromContext returns the entity kind carried by ctx, checking values set
// by WithKind before request tags.
func KindFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(kindKey).(string); ok && k != "" {
		return k
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Kind
	}
	return ""
}

// WithKind returns a context carrying the entity kind, for work that outlives
// the request that started it.
func WithKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, kindKey, kind)
}
