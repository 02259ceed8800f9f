package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-ingest/internal/models"
	"price-ingest/internal/profile"
	"price-ingest/internal/service"
	"price-ingest/internal/store"
	"price-ingest/internal/util"
)

const testProfiles = `
retailers:
  - code: TESTMART
    name: Test Mart
    format: CSV
    separator: ";"
    columns:
      product_name: [naziv]
      product_code: [barkod]
      regular_price: [mpc]
      store_code: [trgovina]
`

const priceList = "naziv;barkod;mpc;trgovina\n" +
	"ČOKOLINO 400G;3850104047480;2,49;T1\n" +
	"MLIJEKO 1L;3850104012345;abc;T1\n"

func setupRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.NewStore(store.Options{
		Driver: store.DriverSQLite,
		URL:    ":memory:",
		Retry:  util.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	profiles, err := profile.Load(strings.NewReader(testProfiles))
	require.NoError(t, err)
	orch, err := service.NewOrchestrator(profiles, s, nil, nil, service.Options{})
	require.NoError(t, err)

	router := gin.New()
	NewHandler(orch, s, 1<<20).SetupRoutes(router)
	return router, s
}

func upload(t *testing.T, router *gin.Engine, retailer, date, name, body string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("retailer", retailer))
	if date != "" {
		require.NoError(t, mw.WriteField("publication_date", date))
	}
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router *gin.Engine, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestHealthAndReady(t *testing.T) {
	router, _ := setupRouter(t)

	assert.Equal(t, http.StatusOK, get(router, "/health").Code)
	assert.Equal(t, http.StatusOK, get(router, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(router, "/metrics").Code)
}

func TestReadyFailsWithoutDatabase(t *testing.T) {
	router, s := setupRouter(t)
	require.NoError(t, s.Close())

	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/ready").Code)
}

func TestUploadAndQuery(t *testing.T) {
	router, _ := setupRouter(t)

	w := upload(t, router, "testmart", "2025-05-15", "testmart.csv", priceList)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var outcome models.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, models.FileStatusReconciledWithWarnings, outcome.Status)
	assert.Equal(t, 1, outcome.Inserted)
	assert.Equal(t, 1, outcome.RowsRejected)

	w = get(router, "/api/v1/prices/current?retailer=testmart&store=T1&product=3850104047480")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var obs models.PriceObservation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obs))
	assert.Equal(t, "2.49", obs.RegularPrice.String())
	assert.Equal(t, models.ObservationCurrent, obs.State)

	w = get(router, "/api/v1/prices/history?retailer=TESTMART&store=T1&product=3850104047480")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"observations"`)

	w = get(router, "/api/v1/files/"+jsonInt(outcome.FileID))
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		File       models.SourceFile            `json:"file"`
		Rejections []models.ValidationRejection `json:"rejections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, models.FileStatusReconciledWithWarnings, detail.File.Status)
	require.Len(t, detail.Rejections, 1)
	assert.Equal(t, 3, detail.Rejections[0].Line)

	w = get(router, "/api/v1/stores?retailer=testmart")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"external_code":"T1"`)

	w = get(router, "/api/v1/files?retailer=testmart")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "testmart.csv")
}

func TestUploadRejectsBadInput(t *testing.T) {
	router, _ := setupRouter(t)

	assert.Equal(t, http.StatusBadRequest, upload(t, router, "", "", "a.csv", priceList).Code)
	assert.Equal(t, http.StatusBadRequest, upload(t, router, "TESTMART", "15.05.2025", "a.csv", priceList).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, upload(t, router, "ACME", "", "a.csv", priceList).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, upload(t, router, "TESTMART", "2025-05-15", "a.csv", "foo;bar\n1;2\n").Code)
}

func TestNotFound(t *testing.T) {
	router, _ := setupRouter(t)

	assert.Equal(t, http.StatusNotFound, get(router, "/api/v1/files/999").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/files/abc").Code)
	assert.Equal(t, http.StatusNotFound, get(router, "/api/v1/prices/current?retailer=TESTMART&store=T1&product=1").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/prices/current?retailer=TESTMART").Code)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
