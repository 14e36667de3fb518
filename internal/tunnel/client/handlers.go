package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gawd-ai/sctl/internal/tunnel"
	"github.com/gawd-ai/sctl/internal/xfer"
)

// RegisterTransferHandlers wires the STP operation surface into c's
// handler table so a proxied request reaching the device dispatches
// straight into manager, preserving request_id in the response frame.
// Paths mirror the HTTP surface in internal/httpapi so the relay front
// door can forward them verbatim.
func RegisterTransferHandlers(c *Client, manager *xfer.Manager) {
	c.Handle(http.MethodPost, "/api/stp/download", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		var in xfer.InitDownloadRequest
		if err := json.Unmarshal(req.BodyJSON, &in); err != nil {
			return badRequest(err.Error()), nil
		}
		res, err := manager.InitDownload(in)
		return jsonResult(res, err), nil
	})

	c.Handle(http.MethodPost, "/api/stp/upload", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		var in xfer.InitUploadRequest
		if err := json.Unmarshal(req.BodyJSON, &in); err != nil {
			return badRequest(err.Error()), nil
		}
		res, err := manager.InitUpload(in)
		return jsonResult(res, err), nil
	})

	c.Handle(http.MethodGet, "/api/stp/chunk/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		xferID, idx, ok := parseChunkPath(req.Path)
		if !ok {
			return badRequest("malformed chunk path"), nil
		}
		hdr, chunk, err := manager.ServeChunk(xferID, idx)
		if err != nil {
			return errResult(err), nil
		}
		return Result{
			Status: http.StatusOK,
			Headers: map[string]string{
				"Content-Type":     "application/octet-stream",
				"X-Gx-Chunk-Hash":  hdr.ChunkHash,
				"X-Gx-Chunk-Index": strconv.Itoa(hdr.ChunkIndex),
				"X-Gx-Transfer-Id": hdr.TransferID,
			},
			Body: chunk,
		}, nil
	})

	c.Handle(http.MethodPost, "/api/stp/chunk/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		xferID, idx, ok := parseChunkPath(req.Path)
		if !ok {
			return badRequest("malformed chunk path"), nil
		}
		declaredHash := req.Headers["X-Gx-Chunk-Hash"]
		if declaredHash == "" {
			return badRequest("X-Gx-Chunk-Hash header required"), nil
		}
		ack, err := manager.ReceiveChunk(xferID, idx, req.BodyJSON, declaredHash)
		return jsonResult(ack, err), nil
	})

	c.Handle(http.MethodPost, "/api/stp/resume/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		xferID := strings.TrimPrefix(req.Path, "/api/stp/resume/")
		res, err := manager.Resume(xferID)
		return jsonResult(res, err), nil
	})

	c.Handle(http.MethodGet, "/api/stp/status/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		xferID := strings.TrimPrefix(req.Path, "/api/stp/status/")
		res, err := manager.Status(xferID)
		return jsonResult(res, err), nil
	})

	c.Handle(http.MethodGet, "/api/stp/transfers", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		return jsonResult(manager.List(), nil), nil
	})

	c.Handle(http.MethodDelete, "/api/stp/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		xferID := strings.TrimPrefix(req.Path, "/api/stp/")
		if err := manager.Abort(xferID, "client abort"); err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"ok": true, "transfer_id": xferID}, nil), nil
	})
}

func parseChunkPath(path string) (xferID string, idx int, ok bool) {
	rest := strings.TrimPrefix(path, "/api/stp/chunk/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return parts[0], n, true
}

// jsonResult marshals v as the success body, or renders err's error
// envelope with its mapped HTTP status.
func jsonResult(v any, err error) Result {
	if err != nil {
		return errResult(err)
	}
	body, merr := json.Marshal(v)
	if merr != nil {
		return Result{Status: http.StatusInternalServerError, Body: errBody("INTERNAL", merr.Error())}
	}
	return Result{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

func errResult(err error) Result {
	if xe, ok := err.(*xfer.Error); ok {
		body, _ := json.Marshal(map[string]any{
			"error":       xe.Message,
			"code":        xe.Code,
			"transfer_id": xe.TransferID,
			"recoverable": xe.Recoverable,
		})
		return Result{
			Status:  xe.HTTPStatus(),
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    body,
		}
	}
	return Result{Status: http.StatusInternalServerError, Body: errBody("INTERNAL", err.Error())}
}

func badRequest(msg string) Result {
	return Result{Status: http.StatusBadRequest, Body: errBody("INVALID_REQUEST", msg)}
}

func errBody(code, msg string) []byte {
	body, _ := json.Marshal(map[string]any{"error": msg, "code": code, "recoverable": false})
	return body
}
