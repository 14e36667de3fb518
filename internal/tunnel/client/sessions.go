package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gawd-ai/sctl/internal/shellsvc"
	"github.com/gawd-ai/sctl/internal/tunnel"
)

// longPollWindow bounds how long an output read blocks waiting for new
// entries before returning empty-handed.
const longPollWindow = 25 * time.Second

type spawnSessionRequest struct {
	Shell      string `json:"shell,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
	Cols       uint16 `json:"cols,omitempty"`
}

type outputEntry struct {
	Seq         uint64 `json:"seq"`
	Stream      string `json:"stream"`
	Data        string `json:"data"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

type outputResponse struct {
	Entries []outputEntry `json:"entries"`
	Dropped uint64        `json:"dropped"`
	NextSeq uint64        `json:"next_seq"`
}

// RegisterSessionHandlers wires interactive shell sessions into c's
// handler table: spawn, write input, catch-up output reads against the
// session's ring buffer, resize, and teardown. Output reads long-poll:
// a request for entries past the current tail blocks until the next
// push or the window elapses.
func RegisterSessionHandlers(c *Client, sessions *shellsvc.Registry) {
	c.Handle(http.MethodPost, "/api/sessions", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		var in spawnSessionRequest
		if len(req.BodyJSON) > 0 {
			if err := json.Unmarshal(req.BodyJSON, &in); err != nil {
				return badRequest(err.Error()), nil
			}
		}
		s, err := sessions.Spawn(shellsvc.SpawnOptions{
			Shell:      in.Shell,
			WorkingDir: in.WorkingDir,
			Rows:       in.Rows,
			Cols:       in.Cols,
		})
		if err != nil {
			return Result{Status: http.StatusInternalServerError, Body: errBody("INTERNAL", err.Error())}, nil
		}
		return jsonResult(map[string]string{"session_id": s.ID, "shell": s.Shell}, nil), nil
	})

	c.Handle(http.MethodGet, "/api/sessions", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		return jsonResult(map[string]any{"sessions": sessions.IDs()}, nil), nil
	})

	c.Handle(http.MethodGet, "/api/sessions/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		id, op, query := parseSessionPath(req.Path)
		if op != "output" {
			return Result{Status: http.StatusNotFound}, nil
		}
		s, err := sessions.Get(id)
		if err != nil {
			return sessionNotFound(id), nil
		}
		since, _ := strconv.ParseUint(query.Get("since"), 10, 64)

		waitCtx, cancel := context.WithTimeout(ctx, longPollWindow)
		defer cancel()
		entries, dropped := s.Output.WaitSince(waitCtx, since)

		out := outputResponse{
			Entries: make([]outputEntry, 0, len(entries)),
			Dropped: dropped,
			NextSeq: s.Output.NextSeq(),
		}
		for _, e := range entries {
			out.Entries = append(out.Entries, outputEntry{
				Seq:         e.Seq,
				Stream:      e.Stream.String(),
				Data:        e.Data,
				TimestampMs: e.TimestampMs,
			})
		}
		return jsonResult(out, nil), nil
	})

	c.Handle(http.MethodPost, "/api/sessions/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		id, op, _ := parseSessionPath(req.Path)
		s, err := sessions.Get(id)
		if err != nil {
			return sessionNotFound(id), nil
		}
		switch op {
		case "input":
			if _, err := s.Write(req.BodyJSON); err != nil {
				return Result{Status: http.StatusInternalServerError, Body: errBody("INTERNAL", err.Error())}, nil
			}
			return jsonResult(map[string]bool{"ok": true}, nil), nil
		case "resize":
			var in struct {
				Rows uint16 `json:"rows"`
				Cols uint16 `json:"cols"`
			}
			if err := json.Unmarshal(req.BodyJSON, &in); err != nil {
				return badRequest(err.Error()), nil
			}
			if err := s.Resize(in.Rows, in.Cols); err != nil {
				return Result{Status: http.StatusInternalServerError, Body: errBody("INTERNAL", err.Error())}, nil
			}
			return jsonResult(map[string]bool{"ok": true}, nil), nil
		default:
			return Result{Status: http.StatusNotFound}, nil
		}
	})

	c.Handle(http.MethodDelete, "/api/sessions/*", func(ctx context.Context, req *tunnel.Req) (Result, error) {
		id, _, _ := parseSessionPath(req.Path)
		if err := sessions.Close(id); err != nil {
			return sessionNotFound(id), nil
		}
		return jsonResult(map[string]bool{"ok": true}, nil), nil
	})
}

// parseSessionPath splits "/api/sessions/{id}[/{op}][?query]" into its
// parts. op is empty when the path names the session itself.
func parseSessionPath(path string) (id, op string, query url.Values) {
	rest := strings.TrimPrefix(path, "/api/sessions/")
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query, _ = url.ParseQuery(rest[i+1:])
		rest = rest[:i]
	} else {
		query = url.Values{}
	}
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		op = parts[1]
	}
	return id, op, query
}

func sessionNotFound(id string) Result {
	body, _ := json.Marshal(map[string]any{
		"error": "session not found: " + id,
		"code":  "SESSION_NOT_FOUND",
	})
	return Result{
		Status:  http.StatusNotFound,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}
