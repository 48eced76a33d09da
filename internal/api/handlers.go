package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/dunamismax/roomseg/internal/auth"
	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/dunamismax/roomseg/internal/jobs"
	"github.com/go-chi/chi/v5"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "roomseg", "status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			s.logger.Printf("health check failed err=%v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	user, err := s.accounts.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email, FullName: user.FullName})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin accepts the OAuth2 password form (username, password) as well
// as a JSON body (email, password).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var email, password string
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"),
		strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			s.writeError(w, fmt.Errorf("%w: invalid form body", domain.ErrInvalidInput))
			return
		}
		email = r.FormValue("username")
		password = r.FormValue("password")
	default:
		var req loginRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		email, password = req.Email, req.Password
	}

	token, err := s.accounts.Login(r.Context(), email, password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type handleResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	SourceJobID string `json:"source_job_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	if r.ContentLength > s.maxUpload {
		writeTooLarge(w, s.maxUpload)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			writeTooLarge(w, s.maxUpload)
			return
		}
		s.writeError(w, fmt.Errorf("%w: expected a multipart form with a file field", domain.ErrInvalidInput))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: file is required", domain.ErrInvalidInput))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !jobs.IsImageContentType(contentType) {
		s.writeError(w, fmt.Errorf("%w: file must be an image", domain.ErrInvalidInput))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Errorf("read upload: %w", err))
		return
	}

	handle, err := s.jobs.Submit(r.Context(), jobs.SubmitRequest{
		OwnerID:     user.ID,
		ContentType: contentType,
		Filename:    header.Filename,
		Data:        data,
		WebhookURL:  r.FormValue("webhook_url"),
	})
	s.writeHandle(w, handle, err)
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	handle, err := s.jobs.Resubmit(r.Context(), chi.URLParam(r, "id"), user.ID)
	s.writeHandle(w, handle, err)
}

// writeHandle answers a submission. A processing failure still reports the
// job id and its failed status.
func (s *Server) writeHandle(w http.ResponseWriter, handle jobs.Handle, err error) {
	if err != nil {
		if handle.ID != "" && errors.Is(err, domain.ErrProcessing) {
			s.logger.Printf("job processing failed job_id=%s err=%v", handle.ID, err)
			writeJSON(w, http.StatusInternalServerError, handleResponse{
				ID:          handle.ID,
				Status:      handle.Status,
				SourceJobID: handle.SourceJobID,
				Error:       domain.FailureProcessing,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handleResponse{
		ID:          handle.ID,
		Status:      handle.Status,
		SourceJobID: handle.SourceJobID,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	view, err := s.jobs.GetResult(r.Context(), chi.URLParam(r, "id"), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if view.Status != domain.JobStatusDone {
		writeJSON(w, http.StatusAccepted, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	items, err := s.jobs.ListHistory(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []jobs.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, multipart.ErrMessageTooLarge)
}

func writeTooLarge(w http.ResponseWriter, limit int64) {
	writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
		"error": fmt.Sprintf("upload exceeds %d bytes", limit),
	})
}
