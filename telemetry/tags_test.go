package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_Defaults(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, SourceNA, tags.Source)
	require.Empty(t, tags.Kind)
	require.Empty(t, tags.Route)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))

	// Setters are safe without tags.
	SetSource(r, SourceCache)
	SetKind(r, "reports")
	SetRoute(r, "/reports")
}

func TestSetters(t *testing.T) {
	r := newTaggedRequest()
	SetSource(r, SourceMerged)
	SetKind(r, "report_detail")
	SetRoute(r, "/reports/{id}")

	tags := GetTags(r)
	require.Equal(t, SourceMerged, tags.Source)
	require.Equal(t, "report_detail", tags.Kind)
	require.Equal(t, "/reports/{id}", tags.Route)
}

func TestKindFromContext(t *testing.T) {
	require.Empty(t, KindFromContext(context.Background()))

	r := newTaggedRequest()
	SetKind(r, "reports")
	require.Equal(t, "reports", KindFromContext(r.Context()))

	ctx := WithKind(r.Context(), "report_summary")
	require.Equal(t, "report_summary", KindFromContext(ctx))
}
