package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pettrack/internal/model"
)

func TestLookup(t *testing.T) {
	var gotQ, gotFormat, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		gotQ = r.URL.Query().Get("q")
		gotFormat = r.URL.Query().Get("format")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat":"35.1856","lon":"33.3823","display_name":"Nicosia"}]`))
	}))
	defer srv.Close()

	g := NewNominatim(srv.URL, "test-agent", nil)
	p, err := g.Lookup(context.Background(), " Nicosia, Cyprus ")
	require.NoError(t, err)
	assert.Equal(t, model.GeoPoint{Lat: 35.1856, Lng: 33.3823}, p)
	assert.Equal(t, "Nicosia, Cyprus", gotQ)
	assert.Equal(t, "json", gotFormat)
	assert.Equal(t, "test-agent", gotUA)
}

func TestLookupNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := NewNominatim(srv.URL, "", nil).Lookup(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNoResult)

	_, err = NewNominatim(srv.URL, "", nil).Lookup(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestLookupUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewNominatim(srv.URL, "", nil).Lookup(context.Background(), "Nicosia")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoResult)
}
