// Package httpapi exposes the STP REST surface and the relay device
// proxy front door, routed with gorilla/mux.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/gawd-ai/sctl/internal/xfer"
)

// MountSTP registers the gawdxfer operation surface onto r under
// /api/stp, backed by manager.
func MountSTP(r *mux.Router, manager *xfer.Manager) {
	s := r.PathPrefix("/api/stp").Subrouter()
	s.HandleFunc("/download", initDownloadHandler(manager)).Methods(http.MethodPost)
	s.HandleFunc("/upload", initUploadHandler(manager)).Methods(http.MethodPost)
	s.HandleFunc("/chunk/{xfer}/{idx}", getChunkHandler(manager)).Methods(http.MethodGet)
	s.HandleFunc("/chunk/{xfer}/{idx}", postChunkHandler(manager)).Methods(http.MethodPost)
	s.HandleFunc("/resume/{xfer}", resumeHandler(manager)).Methods(http.MethodPost)
	s.HandleFunc("/status/{xfer}", statusHandler(manager)).Methods(http.MethodGet)
	s.HandleFunc("/transfers", listHandler(manager)).Methods(http.MethodGet)
	s.HandleFunc("/{xfer}", abortHandler(manager)).Methods(http.MethodDelete)
}

func initDownloadHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in xfer.InitDownloadRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeRawError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		res, err := manager.InitDownload(in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func initUploadHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var in xfer.InitUploadRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeRawError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		res, err := manager.InitUpload(in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func getChunkHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		idx, err := strconv.Atoi(vars["idx"])
		if err != nil {
			writeRawError(w, http.StatusBadRequest, "INVALID_REQUEST", "idx must be an integer")
			return
		}
		hdr, chunk, xerr := manager.ServeChunk(vars["xfer"], idx)
		if xerr != nil {
			writeError(w, xerr)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Gx-Chunk-Hash", hdr.ChunkHash)
		w.Header().Set("X-Gx-Chunk-Index", strconv.Itoa(hdr.ChunkIndex))
		w.Header().Set("X-Gx-Transfer-Id", hdr.TransferID)
		w.WriteHeader(http.StatusOK)
		w.Write(chunk)
	}
}

func postChunkHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		idx, err := strconv.Atoi(vars["idx"])
		if err != nil {
			writeRawError(w, http.StatusBadRequest, "INVALID_REQUEST", "idx must be an integer")
			return
		}
		declaredHash := req.Header.Get("X-Gx-Chunk-Hash")
		if declaredHash == "" {
			writeRawError(w, http.StatusBadRequest, "INVALID_REQUEST", "X-Gx-Chunk-Hash header required")
			return
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeRawError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		ack, xerr := manager.ReceiveChunk(vars["xfer"], idx, body, declaredHash)
		if xerr != nil {
			writeError(w, xerr)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

func resumeHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		res, err := manager.Resume(mux.Vars(req)["xfer"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func statusHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		res, err := manager.Status(mux.Vars(req)["xfer"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func listHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, manager.List())
	}
}

func abortHandler(manager *xfer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		xferID := mux.Vars(req)["xfer"]
		if err := manager.Abort(xferID, "client abort"); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transfer_id": xferID})
	}
}

// writeError renders the {error, code, transfer_id, recoverable}
// envelope with its mapped HTTP status.
func writeError(w http.ResponseWriter, err error) {
	xe, ok := err.(*xfer.Error)
	if !ok {
		writeRawError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, xe.HTTPStatus(), map[string]any{
		"error":       xe.Message,
		"code":        xe.Code,
		"transfer_id": xe.TransferID,
		"recoverable": xe.Recoverable,
	})
}

func writeRawError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": code, "recoverable": false})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
