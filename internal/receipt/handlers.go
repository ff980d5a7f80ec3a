package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// maxFormOverhead leaves room for multipart boundaries and headers
const maxFormOverhead = 1 << 20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]any{
		"success": false,
		"error":   message,
	})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrFilenameCollision):
		return http.StatusConflict
	case errors.Is(err, ErrPathTraversal):
		return http.StatusForbidden
	case errors.Is(err, ErrScan):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and writes the mapped error response
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSONError(w, err.Error(), code)
}

// readUpload reads the "file" part of a multipart request
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+maxFormOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, fmt.Errorf("%w: file is too large, maximum is %s", ErrInvalidInput, humanize.IBytes(MaxUploadSize))
		}
		return nil, nil, fmt.Errorf("%w: parsing form: %v", ErrInvalidInput, err)
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no file provided", ErrInvalidInput)
	}
	defer f.Close()

	if header.Size > MaxUploadSize {
		return nil, nil, fmt.Errorf("%w: file is %s, maximum is %s", ErrInvalidInput,
			humanize.IBytes(uint64(header.Size)), humanize.IBytes(MaxUploadSize))
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading file: %w", err)
	}
	return data, header, nil
}

// uploadContentType prefers the declared type and sniffs when it is missing or generic
func uploadContentType(header *multipart.FileHeader, data []byte) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	return contentType
}

// handleGetData returns the full document with fresh integrity issues
func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.Data()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleSuggestions returns distinct values for autocompletion
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.service.Suggestions()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

// handleUpload stores a receipt file and creates its records
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, header, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.service.Upload(header.Filename, data, uploadContentType(header, data))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*UploadResult
	}{true, result})
}

func itemID(r *http.Request) (int, error) {
	raw := r.PathValue("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: item id %q is not a number", ErrInvalidInput, raw)
	}
	return id, nil
}

// handleAddItem adds a blank item to a receipt
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.AddItem(r.PathValue("group"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"item":    item,
	})
}

// handleUpdateItem applies a partial edit to an item
func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var upd ItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body: %v", ErrInvalidInput, err))
		return
	}

	item, err := s.service.UpdateItem(id, upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"item":    item,
	})
}

// handleDeleteItem removes an item and, for the last item of a group, its receipt
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.service.DeleteItem(id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleGetFile serves a stored file by its relative path
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, r, fmt.Errorf("%w: path required", ErrInvalidInput))
		return
	}

	f, err := s.service.OpenFile(rel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		writeError(w, r, fmt.Errorf("detecting content type: %w", err))
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeError(w, r, fmt.Errorf("rewinding file: %w", err))
		return
	}

	var modTime time.Time
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}

	name := path.Base(rel)
	w.Header().Set("Content-Type", mtype.String())
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	http.ServeContent(w, r, name, modTime, f)
}

// handleIntegrityCheck runs an on-demand integrity scan
func (s *Server) handleIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	issues, err := s.service.CheckIntegrity()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"issues":  issues,
	})
}

// handleExportJSON downloads the whole document
func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.ExportJSON()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts_export.json"`)
	w.Write(data)
}

// handleExportCSV downloads one row per item
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts_export.csv"`)
	if err := s.service.ExportCSV(w); err != nil {
		// Headers are already sent
		slog.Error("Error exporting csv", "error", err)
	}
}

// handleImportJSON replaces the document with an uploaded one. The document
// may be sent as a multipart "file" field or as the raw request body.
func (s *Server) handleImportJSON(w http.ResponseWriter, r *http.Request) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		data, _, err = readUpload(w, r)
	} else {
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadSize))
		if err != nil {
			err = fmt.Errorf("%w: reading body: %v", ErrInvalidInput, err)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.service.Import(data); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Data imported successfully",
	})
}

// handleOCRStatus reports the configured scanner
func (s *Server) handleOCRStatus(w http.ResponseWriter, r *http.Request) {
	available, engine := s.service.ScannerStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"available": available,
		"engine":    engine,
	})
}

// handleOCRProcess scans an uploaded image without storing anything
func (s *Server) handleOCRProcess(w http.ResponseWriter, r *http.Request) {
	data, header, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.service.Extract(data, uploadContentType(header, data))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    result,
	})
}
