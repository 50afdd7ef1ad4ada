// ABOUTME: HTTP handlers for receipt upload, reprocess and currency detection (plain chi, multipart).
// ABOUTME: Ownership is enforced by the store queries; handlers only map errors to status codes.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bvd757/receipt-analysis-system/internal/blob"
	"github.com/bvd757/receipt-analysis-system/internal/processor"
	"github.com/bvd757/receipt-analysis-system/internal/store"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 8 << 20

var badCurrencyMsg = "currency must be one of " + strings.Join(processor.Supported, ", ")

type uploadResponse struct {
	ReceiptID int64        `json:"receipt_id"`
	TaskID    int64        `json:"task_id"`
	Status    store.Status `json:"status"`
	Version   int          `json:"version"`
	Currency  string       `json:"currency"`
}

type reprocessResponse struct {
	ReceiptID int64        `json:"receipt_id"`
	Status    store.Status `json:"status"`
	Version   int          `json:"version"`
}

type detectCurrencyResponse struct {
	Currency string `json:"currency"`
}

// imageUpload is the validated file part of a multipart request.
type imageUpload struct {
	data        []byte
	filename    string
	contentType string
}

// readImagePart parses the multipart body and reads the "file" part. It
// writes the error response itself and reports false on failure.
func (srv *Server) readImagePart(w http.ResponseWriter, r *http.Request) (imageUpload, bool) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return imageUpload{}, false
		}
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return imageUpload{}, false
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp file cleanup

	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return imageUpload{}, false
	}
	defer file.Close() //nolint:errcheck

	contentType := hdr.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		http.Error(w, "only image uploads are supported", http.StatusBadRequest)
		return imageUpload{}, false
	}

	data, err := io.ReadAll(io.LimitReader(file, srv.cfg.UploadMaxBytes+1))
	if err != nil {
		http.Error(w, "read upload", http.StatusBadRequest)
		return imageUpload{}, false
	}
	if int64(len(data)) > srv.cfg.UploadMaxBytes {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return imageUpload{}, false
	}
	if len(data) == 0 {
		http.Error(w, "file is empty", http.StatusBadRequest)
		return imageUpload{}, false
	}
	return imageUpload{data: data, filename: hdr.Filename, contentType: contentType}, true
}

// uploadReceiptHandler handles POST /api/v1/receipts. The image is stored
// first; if the receipt and its task cannot be committed the blob is removed.
func (srv *Server) uploadReceiptHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFromContext(ctx)

	img, ok := srv.readImagePart(w, r)
	if !ok {
		return
	}

	currency := strings.ToUpper(strings.TrimSpace(r.FormValue("currency")))
	if currency == "" {
		currency = processor.CurrencyAuto
	}
	if !processor.IsSupported(currency) {
		http.Error(w, badCurrencyMsg, http.StatusBadRequest)
		return
	}

	now := srv.clock.Now()
	key := blob.NewKey(now, img.filename)
	if err := srv.blobs.Put(ctx, key, img.data, img.contentType); err != nil {
		srv.log.ErrorContext(ctx, "store upload", "key", key, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	receiptID, taskID, err := srv.store.CreateReceipt(ctx, store.NewReceipt{
		UserID:   userID,
		ImageRef: key,
		Currency: currency,
	}, now)
	if err != nil {
		srv.log.ErrorContext(ctx, "enqueue receipt", "key", key, "err", err)
		if delErr := srv.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			srv.log.WarnContext(ctx, "remove orphaned upload", "key", key, "err", delErr)
		}
		http.Error(w, "failed to enqueue receipt processing", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		ReceiptID: receiptID,
		TaskID:    taskID,
		Status:    store.StatusQueued,
		Version:   1,
		Currency:  currency,
	})
}

// detectCurrencyHandler handles POST /api/v1/receipts/detect-currency. The
// image is classified and discarded; nothing is persisted. Anything the
// classifier returns outside the concrete currencies maps to USD.
func (srv *Server) detectCurrencyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if srv.detector == nil {
		http.Error(w, "currency detection is not configured", http.StatusServiceUnavailable)
		return
	}

	img, ok := srv.readImagePart(w, r)
	if !ok {
		return
	}

	raw, err := srv.detector.DetectCurrency(ctx, img.data, img.contentType)
	if err != nil {
		srv.log.ErrorContext(ctx, "detect currency", "err", err)
		http.Error(w, "currency detection failed", http.StatusBadGateway)
		return
	}
	currency := processor.NormalizeCurrency(raw)
	if currency == "" {
		currency = processor.BaseCurrency
	}
	writeJSON(w, http.StatusOK, detectCurrencyResponse{Currency: currency})
}

// reprocessReceiptHandler handles POST /api/v1/receipts/{id}/reprocess.
func (srv *Server) reprocessReceiptHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := receiptIDParam(w, r)
	if !ok {
		return
	}

	var currency *string
	if raw := r.URL.Query().Get("currency"); raw != "" {
		c := strings.ToUpper(strings.TrimSpace(raw))
		if !processor.IsSupported(c) {
			http.Error(w, badCurrencyMsg, http.StatusBadRequest)
			return
		}
		currency = &c
	}

	version, err := srv.store.ReprocessReceipt(ctx, userFromContext(ctx), id, currency, srv.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "receipt not found", http.StatusNotFound)
		return
	}
	if err != nil {
		srv.log.ErrorContext(ctx, "reprocess receipt", "receipt_id", id, "err", err)
		http.Error(w, "failed to reprocess receipt", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, reprocessResponse{
		ReceiptID: id,
		Status:    store.StatusQueued,
		Version:   version,
	})
}

func receiptIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "invalid receipt id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
