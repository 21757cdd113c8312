package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cwygoda/squeeze/internal/adapter/compress"
	"github.com/cwygoda/squeeze/internal/adapter/fetch"
	"github.com/cwygoda/squeeze/internal/adapter/sqlite"
	"github.com/cwygoda/squeeze/internal/domain"
)

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	mux := http.NewServeMux()
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPipeline_SQLiteEndToEnd(t *testing.T) {
	srv := imageServer(t)
	dir := t.TempDir()

	repo, err := sqlite.New(filepath.Join(dir, "squeeze.db"))
	require.NoError(t, err)
	defer repo.Close()

	comp, err := compress.New(filepath.Join(dir, "out"), "", 50, 0)
	require.NoError(t, err)

	svc := domain.NewBatchService(repo, repo)
	table := &domain.Table{
		Header: []string{domain.ColumnSerialNumber, domain.ColumnProductName, domain.ColumnInputURLs},
		Rows: []map[string]string{
			{domain.ColumnSerialNumber: "1", domain.ColumnProductName: "SKU1", domain.ColumnInputURLs: srv.URL + "/img/a.png," + srv.URL + "/img/b.png"},
			{domain.ColumnSerialNumber: "2", domain.ColumnProductName: "SKU2", domain.ColumnInputURLs: srv.URL + "/img/c.png"},
		},
	}

	ctx := context.Background()
	id, err := svc.Submit(ctx, table)
	require.NoError(t, err)

	jobs, err := svc.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, svc.MarkProcessing(ctx, jobs[0].ID))

	proc := NewBatchProcessor(repo, fetch.New(5*time.Second, 1<<20), comp, zaptest.NewLogger(t), Options{FetchRetries: 1, FetchBackoff: time.Millisecond})
	require.NoError(t, proc.Process(ctx, &jobs[0]))

	req, err := svc.Request(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, req.Status)

	for _, p := range req.Products {
		require.Len(t, p.OutputImageURLs, len(p.InputImageURLs))
		for _, out := range p.OutputImageURLs {
			_, err := os.Stat(out)
			assert.NoError(t, err, "artifact %s", out)
		}
	}
}
