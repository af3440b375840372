package proxy

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microshop/gateway/internal/registry"
)

func testRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, name := range names {
		u, err := url.Parse("http://" + name + ":8080")
		require.NoError(t, err)
		require.NoError(t, reg.Register(registry.Backend{
			Name:    name,
			URL:     u,
			Timeout: 5 * time.Second,
			Enabled: true,
		}))
	}
	return reg
}

func TestNewTable_Validation(t *testing.T) {
	reg := testRegistry(t, "catalog")

	tests := []struct {
		name   string
		routes []Route
	}{
		{
			name:   "pattern without leading slash",
			routes: []Route{{Pattern: "api/catalog", Backend: "catalog"}},
		},
		{
			name:   "unknown backend",
			routes: []Route{{Pattern: "/api/cart", Backend: "cart"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.routes, reg)
			assert.Error(t, err)
		})
	}
}

func TestNewTable_RejectsDisabledBackend(t *testing.T) {
	reg := registry.New()
	u, err := url.Parse("http://legacy:8080")
	require.NoError(t, err)
	require.NoError(t, reg.Register(registry.Backend{Name: "legacy", URL: u, Enabled: false}))

	_, err = NewTable([]Route{{Pattern: "/api/legacy", Backend: "legacy"}}, reg)
	assert.Error(t, err, "a route targeting a disabled backend is a configuration error")
}

func TestTable_LongestPrefixWins(t *testing.T) {
	reg := testRegistry(t, "catalog", "search")
	table, err := NewTable([]Route{
		{Pattern: "/api/catalog", Backend: "catalog"},
		{Pattern: "/api/catalog/search", Backend: "search"},
	}, reg)
	require.NoError(t, err)

	rt, ok := table.Resolve(http.MethodGet, "/api/catalog/search/items")
	require.True(t, ok)
	assert.Equal(t, "search", rt.Backend)

	rt, ok = table.Resolve(http.MethodGet, "/api/catalog/items/42")
	require.True(t, ok)
	assert.Equal(t, "catalog", rt.Backend)
}

func TestTable_MethodFilter(t *testing.T) {
	reg := testRegistry(t, "orders", "reports")
	table, err := NewTable([]Route{
		{Pattern: "/api/orders", Method: "GET", Backend: "reports"},
		{Pattern: "/api/orders", Backend: "orders"},
	}, reg)
	require.NoError(t, err)

	rt, ok := table.Resolve(http.MethodGet, "/api/orders/7")
	require.True(t, ok)
	assert.Equal(t, "reports", rt.Backend, "exact-method route beats the wildcard")

	rt, ok = table.Resolve(http.MethodPost, "/api/orders")
	require.True(t, ok)
	assert.Equal(t, "orders", rt.Backend)
}

func TestTable_MethodOnlyRouteYieldsNoMatch(t *testing.T) {
	reg := testRegistry(t, "orders")
	table, err := NewTable([]Route{
		{Pattern: "/api/orders", Method: "POST", Backend: "orders"},
	}, reg)
	require.NoError(t, err)

	_, ok := table.Resolve(http.MethodDelete, "/api/orders")
	assert.False(t, ok)
}

func TestTable_UnmatchedPath(t *testing.T) {
	reg := testRegistry(t, "catalog")
	table, err := NewTable([]Route{{Pattern: "/api/catalog", Backend: "catalog"}}, reg)
	require.NoError(t, err)

	for _, method := range []string{"GET", "POST", "PUT", "DELETE"} {
		_, ok := table.Resolve(method, "/api/unknown")
		assert.False(t, ok, "method %s", method)
	}
}

func TestTable_SegmentBoundary(t *testing.T) {
	reg := testRegistry(t, "cart")
	table, err := NewTable([]Route{{Pattern: "/api/cart", Backend: "cart"}}, reg)
	require.NoError(t, err)

	_, ok := table.Resolve(http.MethodGet, "/api/cartography")
	assert.False(t, ok, "prefix match must respect segment boundaries")

	_, ok = table.Resolve(http.MethodGet, "/api/cart")
	assert.True(t, ok)

	_, ok = table.Resolve(http.MethodGet, "/api/cart/items")
	assert.True(t, ok)
}

func TestRoute_RewritePath(t *testing.T) {
	tests := []struct {
		name  string
		route Route
		path  string
		want  string
	}{
		{
			name:  "strip prefix",
			route: Route{Pattern: "/api/cart", StripPrefix: true},
			path:  "/api/cart/items/3",
			want:  "/items/3",
		},
		{
			name:  "strip prefix at root",
			route: Route{Pattern: "/api/cart", StripPrefix: true},
			path:  "/api/cart",
			want:  "/",
		},
		{
			name:  "keep prefix",
			route: Route{Pattern: "/api/cart", StripPrefix: false},
			path:  "/api/cart/items",
			want:  "/api/cart/items",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.route.RewritePath(tt.path))
		})
	}
}

func TestTable_RoutesReturnsCopy(t *testing.T) {
	reg := testRegistry(t, "catalog")
	table, err := NewTable([]Route{{Pattern: "/api/catalog", Backend: "catalog"}}, reg)
	require.NoError(t, err)

	routes := table.Routes()
	routes[0].Backend = "tampered"

	rt, ok := table.Resolve(http.MethodGet, "/api/catalog")
	require.True(t, ok)
	assert.Equal(t, "catalog", rt.Backend)
}
