// ABOUTME: Read-only receipt endpoints registered on the huma API: list, detail and task status.
// ABOUTME: Query and path validation is declared in the input struct tags.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bvd757/receipt-analysis-system/internal/store"
)

func registerReceiptReadRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-receipts",
		Method:      http.MethodGet,
		Path:        "/receipts",
		Summary:     "List receipts",
		Description: "The caller's receipts, newest first, with their items.",
		Tags:        []string{"Receipts"},
	}, srv.listReceipts)

	huma.Register(api, huma.Operation{
		OperationID: "get-receipt",
		Method:      http.MethodGet,
		Path:        "/receipts/{id}",
		Summary:     "Get receipt",
		Tags:        []string{"Receipts"},
	}, srv.getReceipt)

	huma.Register(api, huma.Operation{
		OperationID: "get-receipt-task",
		Method:      http.MethodGet,
		Path:        "/receipts/{id}/task",
		Summary:     "Get latest processing task",
		Description: "The most recent task for the receipt; task is null when none exists.",
		Tags:        []string{"Receipts"},
	}, srv.receiptTask)
}

// ListReceiptsInput defines query parameters for GET /receipts.
type ListReceiptsInput struct {
	Limit  int `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Page size (max 200)"`
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Number of receipts to skip"`
}

// ListReceiptsOutput is the response for GET /receipts.
type ListReceiptsOutput struct {
	Body []store.Receipt
}

// ReceiptPathInput identifies one receipt.
type ReceiptPathInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Receipt ID"`
}

// GetReceiptOutput is the response for GET /receipts/{id}.
type GetReceiptOutput struct {
	Body *store.Receipt
}

// ReceiptTaskBody reports the latest task next to the receipt state it
// applies to.
type ReceiptTaskBody struct {
	ReceiptID       int64        `json:"receipt_id"`
	Task            *store.Task  `json:"task"`
	ReceiptVersion  int          `json:"receipt_version"`
	ReceiptStatus   store.Status `json:"receipt_status"`
	ReceiptCurrency *string      `json:"receipt_currency"`
}

// ReceiptTaskOutput is the response for GET /receipts/{id}/task.
type ReceiptTaskOutput struct {
	Body *ReceiptTaskBody
}

func (srv *Server) listReceipts(ctx context.Context, input *ListReceiptsInput) (*ListReceiptsOutput, error) {
	receipts, err := srv.store.ListReceipts(ctx, userFromContext(ctx), input.Limit, input.Offset)
	if err != nil {
		srv.log.ErrorContext(ctx, "list receipts", "err", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	if receipts == nil {
		receipts = []store.Receipt{}
	}
	return &ListReceiptsOutput{Body: receipts}, nil
}

func (srv *Server) getReceipt(ctx context.Context, input *ReceiptPathInput) (*GetReceiptOutput, error) {
	rec, err := srv.ownedReceipt(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &GetReceiptOutput{Body: rec}, nil
}

func (srv *Server) receiptTask(ctx context.Context, input *ReceiptPathInput) (*ReceiptTaskOutput, error) {
	rec, err := srv.ownedReceipt(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	task, err := srv.store.LatestTask(ctx, input.ID)
	if err != nil {
		srv.log.ErrorContext(ctx, "latest task", "receipt_id", input.ID, "err", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	return &ReceiptTaskOutput{Body: &ReceiptTaskBody{
		ReceiptID:       input.ID,
		Task:            task,
		ReceiptVersion:  rec.Version,
		ReceiptStatus:   rec.Status,
		ReceiptCurrency: rec.Currency,
	}}, nil
}

// ownedReceipt loads a receipt of the calling user, mapping a miss (absent
// or owned by someone else) to 404.
func (srv *Server) ownedReceipt(ctx context.Context, id int64) (*store.Receipt, error) {
	rec, err := srv.store.GetUserReceipt(ctx, userFromContext(ctx), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, huma.Error404NotFound("receipt not found")
	}
	if err != nil {
		srv.log.ErrorContext(ctx, "get receipt", "receipt_id", id, "err", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	return rec, nil
}
