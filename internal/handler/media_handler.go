package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"feedmedia/internal/domain"
)

// RangeResolver is implemented by service.RangeStreamer.
type RangeResolver interface {
	Resolve(ctx context.Context, objectName string, start, end int64) (*domain.RangeResponse, error)
	ResolveHeader(ctx context.Context, objectName, rangeHeader string) (*domain.RangeResponse, error)
}

type MediaHandler struct {
	streamer RangeResolver
}

func NewMediaHandler(streamer RangeResolver) *MediaHandler {
	return &MediaHandler{streamer: streamer}
}

// Stream handles GET /stream/{objectName}. The range comes from the startByte
// and endByte query parameters (200) or from a standard Range header (206).
func (h *MediaHandler) Stream(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	objectName, err := url.PathUnescape(chi.URLParam(r, "objectName"))
	if err != nil || objectName == "" {
		writeError(w, http.StatusBadRequest, "invalid object name")
		return
	}

	query := r.URL.Query()
	rangeHeader := r.Header.Get("Range")
	partial := rangeHeader != "" && !query.Has("startByte") && !query.Has("endByte")

	var resp *domain.RangeResponse
	if partial {
		resp, err = h.streamer.ResolveHeader(r.Context(), objectName, rangeHeader)
	} else {
		start, end, parseErr := queryRange(query)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		if end >= 0 && start > end {
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "startByte is after endByte")
			return
		}
		resp, err = h.streamer.Resolve(r.Context(), objectName, start, end)
	}
	if err != nil {
		writeStreamError(w, objectName, err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", resp.Start, resp.End, resp.TotalSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		log.Printf("[Stream] streaming %s stopped after %d bytes: %v", objectName, written, err)
		return
	}
	log.Printf("[Stream] sent %d bytes of %s (%d-%d) in %v", written, objectName, resp.Start, resp.End, time.Since(startTime))
}

// queryRange reads startByte and endByte. A missing or negative endByte means
// "to the end of the object" and is returned as -1.
func queryRange(query url.Values) (int64, int64, error) {
	start, end := int64(0), int64(-1)
	if raw := query.Get("startByte"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid startByte %q", raw)
		}
		start = n
	}
	if raw := query.Get("endByte"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid endByte %q", raw)
		}
		if n >= 0 {
			end = n
		}
	}
	return start, end, nil
}

func writeStreamError(w http.ResponseWriter, objectName string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "object not found")
	case errors.Is(err, domain.ErrInvalidRange):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
	default:
		log.Printf("[Stream] failed to open %s: %v", objectName, err)
		writeError(w, http.StatusInternalServerError, "failed to stream media")
	}
}
