package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-ingest/internal/models"
	"price-ingest/internal/profile"
	"price-ingest/internal/util"
)

var (
	day       = time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC)
	fastRetry = util.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
)

const listing = `<html><body>
<a href="/files/Lidl_15_05_2025_popis.zip">today</a>
<a href="/files/Lidl_14_05_2025_popis.zip">yesterday</a>
<a href="/files/Lidl_15_05_2025_popis.zip">duplicate</a>
<a href="https://cdn.example.com/Lidl_15_05_2025_extra.zip">cdn</a>
<a href="/about">about</a>
</body></html>`

func newTestFetcher(opts Options) *Fetcher {
	opts.RequestsPerSecond = 1000
	opts.Retry = fastRetry
	return NewFetcher(opts)
}

func lidl(url string) *profile.Profile {
	return &profile.Profile{
		Code: "LIDL",
		Listing: profile.Listing{
			URL:         url,
			LinkPattern: `{date}.*\.zip$`,
			DateLayout:  "02_01_2006",
		},
	}
}

func TestDiscoverMatchesDateAndResolvesLinks(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
		w.Write([]byte(listing))
	}))
	defer srv.Close()

	f := newTestFetcher(Options{UserAgent: "test-agent"})
	links, err := f.Discover(context.Background(), lidl(srv.URL+"/cijene"), day)
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, srv.URL+"/files/Lidl_15_05_2025_popis.zip", links[0].URL)
	assert.Equal(t, "Lidl_15_05_2025_popis.zip", links[0].FileName)
	assert.Equal(t, "https://cdn.example.com/Lidl_15_05_2025_extra.zip", links[1].URL)
	assert.True(t, day.Equal(links[1].PublicationDate))
	assert.Equal(t, "test-agent", agent)
}

func TestDiscoverWithoutListing(t *testing.T) {
	_, err := newTestFetcher(Options{}).Discover(context.Background(), &profile.Profile{Code: "DM"}, day)
	assert.Error(t, err)
}

func TestDownloadIntoMemoryUsesContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="SUPERMARKET,ILICA 1 10000 ZAGREB,0201,1,15.05.2025.csv"`)
		w.Write([]byte("naziv;mpc\n"))
	}))
	defer srv.Close()

	file, err := newTestFetcher(Options{}).Download(context.Background(), Link{
		Retailer: "KONZUM", URL: srv.URL + "/cjenici/download?title=x&format=csv", PublicationDate: day,
	})
	require.NoError(t, err)
	assert.Equal(t, "SUPERMARKET,ILICA 1 10000 ZAGREB,0201,1,15.05.2025.csv", file.FileName)
	assert.Equal(t, "naziv;mpc\n", string(file.Payload))
	assert.Empty(t, file.Path)
}

func TestDownloadToDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zip bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := newTestFetcher(Options{DownloadDir: dir})
	file, err := f.Download(context.Background(), Link{Retailer: "LIDL", URL: srv.URL + "/Lidl.zip", FileName: "Lidl.zip", PublicationDate: day})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(file.Path, dir))
	assert.Contains(t, file.Path, "2025-05-15")
	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(data))
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	file, err := newTestFetcher(Options{}).Download(context.Background(), Link{Retailer: "SPAR", URL: srv.URL + "/a.csv"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(file.Payload))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDownloadNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher(Options{}).Download(context.Background(), Link{Retailer: "SPAR", URL: srv.URL + "/missing.csv"})
	var de *models.DownloadError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "SPAR", de.Retailer)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchDaySkipsFailedDownloads(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cijene", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/ok/Lidl_15_05_2025.zip">a</a><a href="/gone/Lidl_15_05_2025.zip">b</a>`))
	})
	mux.HandleFunc("/ok/", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("data")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	files, err := newTestFetcher(Options{}).FetchDay(context.Background(), lidl(srv.URL+"/cijene"), day)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "Lidl_15_05_2025.zip", files[0].FileName)
	assert.Equal(t, "LIDL", files[0].Retailer)
}
