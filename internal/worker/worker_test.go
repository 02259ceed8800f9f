package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-ingest/internal/models"
)

type fakeProcessor struct {
	files   []*models.SourceFile
	status  models.FileStatus
	err     error
	fileID  int64
	summing bool
}

func (p *fakeProcessor) Process(_ context.Context, file *models.SourceFile) (*models.Outcome, error) {
	p.files = append(p.files, file)
	if p.err != nil {
		return nil, p.err
	}
	if p.summing && file.Checksum == "" {
		file.Checksum = "computed"
	}
	p.fileID++
	return &models.Outcome{FileID: p.fileID, Retailer: strings.ToUpper(strings.TrimSpace(file.Retailer)), Status: p.status}, nil
}

type fakeMarkers struct {
	marked map[string]int64
	err    error
}

func (m *fakeMarkers) IsProcessed(_ context.Context, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.marked[key]
	return ok, nil
}

func (m *fakeMarkers) MarkProcessed(_ context.Context, key string, fileID int64) error {
	if _, ok := m.marked[key]; !ok {
		m.marked[key] = fileID
	}
	return nil
}

func event(checksum string) *models.FileDownloadedEvent {
	return &models.FileDownloadedEvent{
		Retailer:        "LIDL",
		FileName:        "Lidl_15_05_2025.zip",
		Path:            "/data/Lidl_15_05_2025.zip",
		PublicationDate: time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC),
		Checksum:        checksum,
	}
}

func TestHandleFileDownloadedSkipsProcessedContent(t *testing.T) {
	proc := &fakeProcessor{status: models.FileStatusReconciled}
	markers := &fakeMarkers{marked: map[string]int64{}}
	w := NewIngestWorker(nil, proc, markers)
	ctx := context.Background()

	require.NoError(t, w.HandleFileDownloaded(ctx, event("abc")))
	require.Len(t, proc.files, 1)
	assert.Equal(t, "/data/Lidl_15_05_2025.zip", proc.files[0].Path)
	assert.Equal(t, int64(1), markers.marked["LIDL:abc"])

	require.NoError(t, w.HandleFileDownloaded(ctx, event("abc")))
	assert.Len(t, proc.files, 1)
}

func TestHandleFileDownloadedMarkerIgnoresRetailerSpelling(t *testing.T) {
	proc := &fakeProcessor{status: models.FileStatusReconciled}
	markers := &fakeMarkers{marked: map[string]int64{}}
	w := NewIngestWorker(nil, proc, markers)
	ctx := context.Background()

	ev := event("abc")
	ev.Retailer = " lidl"
	require.NoError(t, w.HandleFileDownloaded(ctx, ev))
	assert.Equal(t, map[string]int64{"LIDL:abc": 1}, markers.marked)

	require.NoError(t, w.HandleFileDownloaded(ctx, ev))
	require.NoError(t, w.HandleFileDownloaded(ctx, event("abc")))
	assert.Len(t, proc.files, 1)
}

func TestHandleFileDownloadedMarksComputedChecksum(t *testing.T) {
	proc := &fakeProcessor{status: models.FileStatusReconciledWithWarnings, summing: true}
	markers := &fakeMarkers{marked: map[string]int64{}}
	w := NewIngestWorker(nil, proc, markers)

	require.NoError(t, w.HandleFileDownloaded(context.Background(), event("")))
	assert.Contains(t, markers.marked, "LIDL:computed")
}

func TestHandleFileDownloadedDoesNotMarkFailedFiles(t *testing.T) {
	proc := &fakeProcessor{status: models.FileStatusFailed}
	markers := &fakeMarkers{marked: map[string]int64{}}
	w := NewIngestWorker(nil, proc, markers)

	require.NoError(t, w.HandleFileDownloaded(context.Background(), event("abc")))
	assert.Empty(t, markers.marked)
}

func TestHandleFileDownloadedProcessesWhenMarkersFail(t *testing.T) {
	proc := &fakeProcessor{status: models.FileStatusReconciled}
	w := NewIngestWorker(nil, proc, &fakeMarkers{marked: map[string]int64{}, err: errors.New("redis down")})

	require.NoError(t, w.HandleFileDownloaded(context.Background(), event("abc")))
	assert.Len(t, proc.files, 1)
}

func TestHandleFileDownloadedReturnsInfrastructureErrors(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("database unavailable")}
	w := NewIngestWorker(nil, proc, nil)

	assert.Error(t, w.HandleFileDownloaded(context.Background(), event("abc")))
}
