package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cwygoda/squeeze/internal/adapter/tabular"
	"github.com/cwygoda/squeeze/internal/domain"
)

// DefaultMaxUploadBytes caps an upload when no limit is configured.
const DefaultMaxUploadBytes = 10 << 20

// Options configures the HTTP adapter.
type Options struct {
	Addr           string
	ArtifactDir    string
	MaxUploadBytes int64
}

// Server is the HTTP adapter for batch submission and status polling.
type Server struct {
	svc    *domain.BatchService
	logger *zap.Logger
	router *chi.Mux
	server *http.Server
	opts   Options
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.BatchService, logger *zap.Logger, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{
		svc:    svc,
		logger: logger,
		router: chi.NewRouter(),
		opts:   opts,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(withLogging(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(withCORS())

	s.router.Post("/upload", s.handleUpload)
	s.router.Get("/status/{requestID}", s.handleStatus)
	s.router.Get("/requests/{requestID}", s.handleGetRequest)
	s.router.Get("/health", s.handleHealth)

	if s.opts.ArtifactDir != "" {
		files := http.StripPrefix("/artifacts/", http.FileServer(filesOnly{http.Dir(s.opts.ArtifactDir)}))
		s.router.Handle("/artifacts/*", files)
	}
}

// filesOnly hides directories so artifact trees cannot be listed.
type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}

// uploadResponse is the response body for POST /upload.
type uploadResponse struct {
	RequestID string `json:"requestId"`
}

// statusResponse is the response body for GET /status/{requestID}.
type statusResponse struct {
	Status string `json:"status"`
}

// requestResponse is the response body for GET /requests/{requestID}.
type requestResponse struct {
	RequestID string            `json:"requestId"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Products  []productResponse `json:"products"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
}

type productResponse struct {
	SerialNumber    string   `json:"serialNumber"`
	ProductName     string   `json:"productName"`
	InputImageURLs  []string `json:"inputImageUrls"`
	OutputImageURLs []string `json:"outputImageUrls"`
	Status          string   `json:"status"`
	Error           string   `json:"error,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

const (
	msgNotFound     = "Request ID not found"
	msgMissingFile  = "No file uploaded."
	msgUnreadable   = "Invalid CSV format: Unable to parse file."
	msgTooLarge     = "Uploaded file is too large."
	msgInternal     = "internal error"
	msgUnavailable  = "storage unavailable"
	uploadFormField = "file"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	body, closeBody, err := s.uploadBody(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
		case errors.Is(err, http.ErrMissingFile):
			s.writeError(w, http.StatusBadRequest, msgMissingFile)
		default:
			s.writeError(w, http.StatusBadRequest, msgUnreadable)
		}
		return
	}
	defer closeBody()

	table, err := tabular.ReadCSV(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		s.logger.Info("unreadable upload", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, msgUnreadable)
		return
	}

	id, err := s.svc.Submit(r.Context(), table)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.logger.Error("submit error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.logger.Info("batch accepted", zap.String("request_id", id), zap.Int("rows", len(table.Rows)))
	s.writeJSON(w, http.StatusOK, uploadResponse{RequestID: id})
}

// uploadBody returns the CSV payload: the "file" part of a multipart
// form, or the raw request body otherwise.
func (s *Server) uploadBody(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, func() {}, nil
	}

	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		return nil, nil, err
	}
	f, _, err := r.FormFile(uploadFormField)
	if err != nil {
		return nil, nil, err
	}
	return f, func() {
		f.Close()
		r.MultipartForm.RemoveAll() //nolint:errcheck
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")

	status, err := s.svc.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			s.writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		s.logger.Error("get status error", zap.String("request_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.writeJSON(w, http.StatusOK, statusResponse{Status: string(status)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")

	req, err := s.svc.Request(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			s.writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		s.logger.Error("get request error", zap.String("request_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	s.writeJSON(w, http.StatusOK, requestToResponse(req))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func requestToResponse(req *domain.Request) requestResponse {
	products := make([]productResponse, 0, len(req.Products))
	for _, p := range req.Products {
		outputs := p.OutputImageURLs
		if outputs == nil {
			outputs = []string{}
		}
		products = append(products, productResponse{
			SerialNumber:    p.SerialNumber,
			ProductName:     p.ProductName,
			InputImageURLs:  p.InputImageURLs,
			OutputImageURLs: outputs,
			Status:          string(p.Status),
			Error:           p.Error,
		})
	}
	return requestResponse{
		RequestID: req.ID,
		Status:    string(req.Status),
		Error:     req.Error,
		Products:  products,
		CreatedAt: req.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: req.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
