package almafetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
)

func TestClient_FetchReport_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "apikey secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/shared/reports/scf duplicates", r.URL.Query().Get("path"))
		w.Write([]byte(`{"rows":[{"barcode":"310010"},{"barcode":"310011"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	rows, err := c.FetchReport(context.Background(), "/shared/reports/scf duplicates", "secret")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "310010", rows[0]["barcode"])
}

func TestClient_FetchReport_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"rows":[{"barcode":"310010"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	rows, err := c.FetchReport(context.Background(), "/shared/reports/dups", "secret")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_FetchReport_MissingReportNeverRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	_, err := c.FetchReport(context.Background(), "/shared/reports/missing", "secret")
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrItemNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
