package upload

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"chat-relay-server/metrics"
)

const maxUploadSize = 32 << 20

// Gateway stores uploaded blobs in a local directory and serves them
// back by URL. It never inspects contents and never deletes: deleteFile
// in the chat protocol is notice-only.
type Gateway struct {
	dir string
}

func New(dir string) (*Gateway, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Gateway{dir: dir}, nil
}

// HandleUpload accepts one multipart field "file", stores it under a
// fresh uuid name preserving the original extension, and replies with
// the retrieval URL plus the original filename.
func (g *Gateway) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no file attached"})
		return
	}
	defer file.Close()

	stored := uuid.New().String() + filepath.Ext(header.Filename)
	dst, err := os.Create(filepath.Join(g.dir, stored))
	if err != nil {
		slog.Error("upload create", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store failed"})
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		slog.Error("upload write", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store failed"})
		return
	}

	metrics.UploadsTotal.Inc()
	slog.Info("file stored", "stored", stored, "filename", header.Filename, "size", header.Size)
	writeJSON(w, http.StatusOK, map[string]string{
		"url":      "/uploads/" + stored,
		"filename": header.Filename,
	})
}

// ServeFiles serves stored blobs under /uploads/.
func (g *Gateway) ServeFiles() http.Handler {
	return http.StripPrefix("/uploads/", http.FileServer(http.Dir(g.dir)))
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
