package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverResolvesLocalhost(t *testing.T) {
	r := NewResolver()
	ips, err := r.Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	assert.NotEmpty(t, ips)
}

func TestPassthroughRedirectorNeverRewrites(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/a", nil)
	decision := NewPassthroughRedirector().Check(req)
	assert.Equal(t, 0, decision.Code)
	assert.Empty(t, decision.NewURL)
}
