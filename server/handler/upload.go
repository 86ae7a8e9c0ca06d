package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"groupchat/protocol"
	"groupchat/server/config"
)

// multipartSlack covers form boundaries and headers around the file part.
const multipartSlack = 1 << 20

type UploadResponse struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// HandleUpload stores the multipart field "file" under a generated name and
// answers with its public URL.
func HandleUpload(cfg config.UploadConfig, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBytes+multipartSlack)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(cfg.MaxBytes))
				return
			}
			writeError(w, http.StatusBadRequest, "expected a multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "no file uploaded")
			return
		}
		defer file.Close()

		if header.Size > cfg.MaxBytes {
			writeError(w, http.StatusRequestEntityTooLarge, tooLargeMessage(cfg.MaxBytes))
			return
		}
		name := filepath.Base(header.Filename)
		if name == "." || name == string(filepath.Separator) || len(name) > protocol.MaxFileNameLength {
			writeError(w, http.StatusBadRequest, "invalid file name")
			return
		}
		ext := strings.ToLower(filepath.Ext(name))
		if !slices.Contains(cfg.AllowedExtensions, ext) {
			writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("file type %q is not allowed", ext))
			return
		}

		stored := uuid.NewString() + ext
		if err := save(filepath.Join(cfg.Dir, stored), file); err != nil {
			log.Error("save upload", zap.String("file", stored), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not store file")
			return
		}
		log.Info("file uploaded",
			zap.String("file", stored),
			zap.String("name", name),
			zap.String("size", humanize.Bytes(uint64(header.Size))))
		writeJSON(w, http.StatusOK, UploadResponse{
			URL:      path.Join(cfg.PublicPath, stored),
			FileName: name,
		})
	}
}

func tooLargeMessage(limit int64) string {
	return "file is larger than " + humanize.Bytes(uint64(limit))
}

func save(dst string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}
