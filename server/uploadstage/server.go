package uploadstage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/openjudge/judgegw/consts"
	"github.com/openjudge/judgegw/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// fileField is the multipart form field the browser upload widget puts
// the file data in.
const fileField = "qqfile"

// Server is the HTTP side-channel through which clients stage and remove
// uploads. A POST to /upload with a "remove" parameter removes a staged
// upload; any other POST stages a new one.
type Server struct {
	addr    string
	store   *Store
	maxSize int64
	server  *http.Server
}

// ServerOptions holds configuration options for the upload HTTP server.
type ServerOptions struct {
	Addr    string
	Store   *Store
	MaxSize int64
}

// NewServer creates the upload HTTP server.
func NewServer(options ServerOptions) (*Server, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("upload store is required")
	}
	maxSize := options.MaxSize
	if maxSize <= 0 {
		maxSize = 2 * 1024 * 1024
	}
	return &Server{
		addr:    options.Addr,
		store:   options.Store,
		maxSize: maxSize,
	}, nil
}

// Start runs the server until ctx is cancelled. Startup failures are
// reported on errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := NewServer(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create upload server: %w", err)
		return
	}

	logger.Info("Starting upload HTTP server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("upload server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down upload HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down upload HTTP server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/upload", s.handleUpload).Methods("POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Upload HTTP request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("remove") {
		s.handleRemove(w, r)
		return
	}
	s.handleAdd(w, r)
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
}

func writeUploadResponse(w http.ResponseWriter, status int, resp uploadResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to write upload response", "error", err)
	}
}

// handleAdd stages a new upload. The user id must be present; the file
// bytes come either from the qqfile part of a multipart request or from
// the raw request body.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		logger.Info("Upload request without user id", "remote", r.RemoteAddr)
		writeUploadResponse(w, http.StatusBadRequest, uploadResponse{Success: false})
		return
	}
	filename := r.Header.Get("X-File-Name")

	data, err := s.readUploadBody(r)
	if err != nil {
		logger.Warn("Failed to read upload body", "user", user, "error", err)
		writeUploadResponse(w, http.StatusInternalServerError, uploadResponse{Success: false})
		return
	}

	key, err := s.store.Stage(user, filename, data)
	if err != nil {
		logger.Error("Failed to stage upload", "user", user, "error", err)
		writeUploadResponse(w, http.StatusInternalServerError, uploadResponse{Success: false})
		return
	}

	writeUploadResponse(w, http.StatusOK, uploadResponse{Success: true, Key: key})
}

// readUploadBody extracts the file bytes from the request. For multipart
// requests the first qqfile part wins; further matching parts are logged
// and ignored. Anything over the size limit fails.
func (s *Server) readUploadBody(r *http.Request) ([]byte, error) {
	var src io.Reader = r.Body

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		mr, err := r.MultipartReader()
		if err != nil {
			return nil, fmt.Errorf("failed to parse multipart request: %w", err)
		}
		part, err := s.findFilePart(mr)
		if err != nil {
			return nil, err
		}
		if part != nil {
			src = part
		} else {
			logger.Debug("No matching multipart part, using raw request body")
		}
	}

	data, err := io.ReadAll(io.LimitReader(src, s.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("upload larger than %d bytes: %w", s.maxSize, consts.ErrUploadTooLarge)
	}
	return data, nil
}

func (s *Server) findFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read multipart part: %w", err)
		}
		logger.Debug("Multipart content", "field", part.FormName(), "filename", part.FileName())
		if part.FormName() == fileField {
			return part, nil
		}
		part.Close()
	}
}

// handleRemove removes a staged upload at its owner's request.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	user := r.FormValue("user")
	key := r.FormValue("key")

	if key == "" {
		logger.Info("Remove request without key", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if user == "" {
		logger.Info("Remove request without user id", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.store.Remove(user, key)
	w.WriteHeader(http.StatusOK)
}
