package pipeline

import (
	"context"
	"net/url"

	"aegis/pkg/models"
)

type contextKey string

const (
	bodyContextKey    contextKey = "aegis.body"
	queryContextKey   contextKey = "aegis.query"
	sessionContextKey contextKey = "aegis.session"
)

// BodyFromContext returns the sanitized request body when the body was a
// JSON object.
func BodyFromContext(ctx context.Context) (map[string]interface{}, bool) {
	v, ok := ctx.Value(bodyContextKey).(map[string]interface{})
	return v, ok
}

// BodyString reads one string field from the sanitized body.
func BodyString(ctx context.Context, field string) string {
	body, ok := BodyFromContext(ctx)
	if !ok {
		return ""
	}
	s, _ := body[field].(string)
	return s
}

// QueryFromContext returns the sanitized query parameters.
func QueryFromContext(ctx context.Context) (url.Values, bool) {
	v, ok := ctx.Value(queryContextKey).(url.Values)
	return v, ok
}

// SessionFromContext returns the session security state attached by the
// guardian stage.
func SessionFromContext(ctx context.Context) (*models.SessionSecurityState, bool) {
	v, ok := ctx.Value(sessionContextKey).(*models.SessionSecurityState)
	return v, ok && v != nil
}

func withBody(ctx context.Context, body map[string]interface{}) context.Context {
	return context.WithValue(ctx, bodyContextKey, body)
}

func withQuery(ctx context.Context, query url.Values) context.Context {
	return context.WithValue(ctx, queryContextKey, query)
}

func withSession(ctx context.Context, state *models.SessionSecurityState) context.Context {
	return context.WithValue(ctx, sessionContextKey, state)
}
