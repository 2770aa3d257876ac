package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"feedmedia/internal/domain"
	"feedmedia/internal/service"
)

const defaultMaxFormMemory = 100 << 20

// FeedUploader is implemented by service.FeedService.
type FeedUploader interface {
	UploadFeed(ctx context.Context, req domain.FeedUpload) (*service.FeedUploadResult, error)
}

type FeedHandler struct {
	feeds         FeedUploader
	maxFormMemory int64
}

func NewFeedHandler(feeds FeedUploader, maxFormMemory int64) *FeedHandler {
	if maxFormMemory <= 0 {
		maxFormMemory = defaultMaxFormMemory
	}
	return &FeedHandler{feeds: feeds, maxFormMemory: maxFormMemory}
}

// UploadFeed handles POST /uploadFeed with a whole file or one chunk of it.
func (h *FeedHandler) UploadFeed(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxFormMemory); err != nil {
		log.Printf("[Feed] failed to parse form: %v", err)
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := parseFeedUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.feeds.UploadFeed(r.Context(), req)
	if err != nil {
		h.writeUploadError(w, req, err)
		return
	}

	switch result.Status {
	case service.ChunkStaged:
		writeJSON(w, http.StatusOK, messageResponse{Message: "chunk staged"})
	case service.UploadInProgress:
		writeJSON(w, http.StatusOK, messageResponse{Message: "upload already committed"})
	default:
		writeJSON(w, http.StatusOK, messageResponse{
			Message: "feed uploaded successfully",
			FeedID:  result.Post.PostID.String(),
			FeedURL: result.Post.Content,
		})
	}
}

func (h *FeedHandler) writeUploadError(w http.ResponseWriter, req domain.FeedUpload, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidIndex):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusBadRequest, "upload session not found")
	default:
		log.Printf("[Feed] upload of %s for user %s failed: %v", req.FileName, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to upload feed")
	}
}

func parseFeedUpload(r *http.Request) (domain.FeedUpload, error) {
	req := domain.FeedUpload{
		UserID:      strings.TrimSpace(r.FormValue("userId")),
		UserName:    r.FormValue("userName"),
		ProfilePic:  r.FormValue("profilePic"),
		FileName:    strings.TrimSpace(r.FormValue("fileName")),
		Description: r.FormValue("description"),
		ContentType: strings.TrimSpace(r.FormValue("contentType")),
	}

	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return req, fmt.Errorf("failed to read file: %w", err)
	default:
		defer file.Close()
		if req.Data, err = io.ReadAll(file); err != nil {
			return req, fmt.Errorf("failed to read file: %w", err)
		}
		req.HasFile = true
		if req.ContentType == "" {
			if ct := header.Header.Get("Content-Type"); ct != "application/octet-stream" {
				req.ContentType = ct
			}
		}
	}

	if req.ChunkIndex, err = optionalInt(r, "chunkIndex"); err != nil {
		return req, err
	}
	if req.TotalChunks, err = optionalInt(r, "totalChunks"); err != nil {
		return req, err
	}
	if (req.ChunkIndex == nil) != (req.TotalChunks == nil) {
		return req, fmt.Errorf("chunkIndex and totalChunks must be sent together")
	}
	return req, nil
}

func optionalInt(r *http.Request, field string) (*int, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", field, raw)
	}
	return &n, nil
}
