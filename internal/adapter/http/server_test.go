package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/cwygoda/squeeze/internal/adapter/memory"
	"github.com/cwygoda/squeeze/internal/domain"
)

const validCSV = "S. No.,Product Name,Input Image Urls\n" +
	"1,SKU1,\"https://example.com/a.jpg,https://example.com/b.jpg\"\n" +
	"2,SKU2,https://example.com/c.jpg\n"

func setupTestServer(t *testing.T) (*Server, *memory.Storage) {
	t.Helper()
	store := memory.New()
	svc := domain.NewBatchService(store, store)
	return NewServer(svc, zap.NewNop(), Options{Addr: ":8080", ArtifactDir: t.TempDir()}), store
}

func upload(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_Upload_Success(t *testing.T) {
	srv, store := setupTestServer(t)

	rec := upload(t, srv, validCSV)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("requestId is empty")
	}

	status, err := store.GetStatus(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status != domain.StatusPending {
		t.Errorf("status = %q, want %q", status, domain.StatusPending)
	}

	jobs, _ := store.FindPending(context.Background(), 10)
	if len(jobs) != 1 || jobs[0].RequestID != resp.RequestID {
		t.Errorf("pending jobs = %+v, want one for %s", jobs, resp.RequestID)
	}
}

func TestServer_Upload_Multipart(t *testing.T) {
	srv, _ := setupTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "products.csv")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte(validCSV))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestServer_Upload_MultipartMissingFile(t *testing.T) {
	srv, _ := setupTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_Upload_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing columns",
			body:    "S. No.,Product Name\n1,SKU1\n",
			wantErr: "Invalid CSV format: Missing required columns (S. No., Product Name, Input Image Urls).",
		},
		{
			name:    "missing data",
			body:    "S. No.,Product Name,Input Image Urls\n1,,https://example.com/a.jpg\n",
			wantErr: "Invalid row format: Missing data in one or more required fields.",
		},
		{
			name:    "invalid url",
			body:    "S. No.,Product Name,Input Image Urls\n1,SKU1,ftp://example.com/a.jpg\n",
			wantErr: "Invalid input: One or more image URLs are not valid.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := setupTestServer(t)

			rec := upload(t, srv, tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			var resp errorResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantErr)
			}

			// Nothing was persisted
			if jobs, _ := store.FindPending(context.Background(), 10); len(jobs) != 0 {
				t.Errorf("pending jobs = %d, want 0", len(jobs))
			}
		})
	}
}

func TestServer_Upload_TooLarge(t *testing.T) {
	store := memory.New()
	svc := domain.NewBatchService(store, store)
	srv := NewServer(svc, zap.NewNop(), Options{MaxUploadBytes: 16})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "products.csv")
	part.Write([]byte(validCSV))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code < 400 || rec.Code >= 500 {
		t.Errorf("status = %d, want a 4xx", rec.Code)
	}
}

func TestServer_Status(t *testing.T) {
	srv, store := setupTestServer(t)
	ctx := context.Background()

	store.CreateBatch(ctx, "req-1", []domain.LineItem{
		{SerialNumber: "1", ProductName: "SKU1", InputImageURLs: []string{"a"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/status/req-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp statusResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "PENDING" {
		t.Errorf("status = %q, want %q", resp.Status, "PENDING")
	}

	store.UpdateProduct(ctx, "req-1", "SKU1", []string{"out"}, domain.StatusCompleted)
	store.CompleteBatch(ctx, "req-1")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/req-1", nil))
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "COMPLETED" {
		t.Errorf("status = %q, want %q", resp.Status, "COMPLETED")
	}
}

func TestServer_Status_NotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status/unknown", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	var resp errorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Error != "Request ID not found" {
		t.Errorf("error = %q, want %q", resp.Error, "Request ID not found")
	}
}

func TestServer_GetRequest(t *testing.T) {
	srv, store := setupTestServer(t)
	ctx := context.Background()

	store.CreateBatch(ctx, "req-1", []domain.LineItem{
		{SerialNumber: "1", ProductName: "SKU1", InputImageURLs: []string{"a", "b"}},
		{SerialNumber: "2", ProductName: "SKU2", InputImageURLs: []string{"c"}},
	})
	store.UpdateProduct(ctx, "req-1", "SKU1", []string{"x", "y"}, domain.StatusCompleted)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/req-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp requestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp.Products) != 2 {
		t.Fatalf("products = %d, want 2", len(resp.Products))
	}
	if resp.Products[0].OutputImageURLs[1] != "y" {
		t.Errorf("outputs = %v, want [x y]", resp.Products[0].OutputImageURLs)
	}
	if resp.Products[1].OutputImageURLs == nil || len(resp.Products[1].OutputImageURLs) != 0 {
		t.Errorf("pending outputs = %v, want empty list", resp.Products[1].OutputImageURLs)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServer_Artifacts(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "req-1"), 0755)
	os.WriteFile(filepath.Join(dir, "req-1", "sku1.jpg"), []byte("jpeg"), 0644)

	store := memory.New()
	srv := NewServer(domain.NewBatchService(store, store), zap.NewNop(), Options{ArtifactDir: dir})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts/req-1/sku1.jpg", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "jpeg" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "jpeg")
	}
}

func TestServer_ArtifactsNoDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "req-1"), 0755)
	os.WriteFile(filepath.Join(dir, "req-1", "sku1.jpg"), []byte("jpeg"), 0644)

	store := memory.New()
	srv := NewServer(domain.NewBatchService(store, store), zap.NewNop(), Options{ArtifactDir: dir})

	for _, path := range []string{"/artifacts/", "/artifacts/req-1/", "/artifacts/req-1"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
		if strings.Contains(rec.Body.String(), "sku1.jpg") {
			t.Errorf("GET %s leaked listing: %q", path, rec.Body.String())
		}
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

// downStore fails every ping.
type downStore struct {
	*memory.Storage
}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestServer_Health_Unavailable(t *testing.T) {
	store := downStore{memory.New()}
	srv := NewServer(domain.NewBatchService(store, store), zap.NewNop(), Options{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestServer_ContentType(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestServer_CORS(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/upload", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != http.MethodPost {
		t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, http.MethodPost)
	}
}

func TestServer_CORS_SimpleRequest(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestServer_CORS_DisallowedMethod(t *testing.T) {
	srv, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/upload", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}
