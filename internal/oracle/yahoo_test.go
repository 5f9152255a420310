package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYahooSource_Price(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// SPX maps to the index ticker.
		assert.Contains(t, r.URL.Path, "^SPX")
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"regularMarketPrice":5902.5}}]}}`))
	}))
	defer ts.Close()

	src := NewYahooSource().WithBaseURL(ts.URL)
	price, err := src.Price(context.Background(), "SPX")
	require.NoError(t, err)
	assert.Equal(t, 5902.5, price)
}

func TestYahooSource_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"chart":{"result":[],"error":{"code":"Not Found","description":"no data"}}}`))
	}))
	defer ts.Close()

	src := NewYahooSource().WithBaseURL(ts.URL)
	_, err := src.Price(context.Background(), "SPX")
	assert.Error(t, err)
}

func TestYahooSource_NonPositivePrice(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"regularMarketPrice":0}}]}}`))
	}))
	defer ts.Close()

	src := NewYahooSource().WithBaseURL(ts.URL)
	_, err := src.Price(context.Background(), "SPX")
	assert.Error(t, err)
}
