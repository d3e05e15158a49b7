// Copyright 2026 The taskmesh Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mesh

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/taskmesh/taskmesh/wire"
)

// HTTPHandler serves the HTTP transport variant of spec.md section 6:
// each inbound POST /api/<type> is a one-shot request/response (no push,
// no stale emission), GET /healthcheck runs the server's healthcheck, and
// GET /disconnect closes every live WebSocket connection registered on
// the same Server.
type HTTPHandler struct {
	server *Server
}

// NewHTTPHandler builds an http.Handler backed by server.
func NewHTTPHandler(server *Server) *HTTPHandler {
	return &HTTPHandler{server: server}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthcheck" && r.Method == http.MethodGet:
		h.serveHealthcheck(w, r)
	case r.URL.Path == "/disconnect" && r.Method == http.MethodGet:
		h.serveDisconnect(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/") && r.Method == http.MethodPost:
		h.serveAPI(w, r, strings.TrimPrefix(r.URL.Path, "/api/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPHandler) serveHealthcheck(w http.ResponseWriter, r *http.Request) {
	value, err := h.server.invoke(r.Context(), func(ctx context.Context, req *Request) (any, error) {
		return h.server.healthcheck(ctx)
	}, &Request{Type: wire.PingType})
	writeHTTPResult(w, value, err)
}

func (h *HTTPHandler) serveDisconnect(w http.ResponseWriter, r *http.Request) {
	h.server.Close()
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) serveAPI(w http.ResponseWriter, r *http.Request, taskType string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeHTTPResult(w, nil, &Error{Message: "failed to read request body"})
		return
	}

	req := &Request{Type: taskType, ID: requestIDFromHeader(r), Payload: body}
	h.server.emitter.emit(EventRequest, req)

	terminal, ok := h.server.terminalFor(taskType)
	if !ok {
		writeHTTPResult(w, nil, &Error{Message: "Unknown request type: " + strconv.Quote(taskType)})
		return
	}

	handler := h.server.chainFor(taskType, terminal)
	value, err := h.server.invoke(r.Context(), handler, req)
	writeHTTPResult(w, value, err)
}

func requestIDFromHeader(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return ""
}

// writeHTTPResult maps a handler's (value, err) onto spec.md section
// 4.4's HTTP status mapping: OK -> 200, ERR -> error.code (if it parses as
// a valid HTTP status) or 500 otherwise.
func writeHTTPResult(w http.ResponseWriter, value any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(value)
		return
	}

	e := WrapError(err)
	w.WriteHeader(httpStatusFor(e))
	json.NewEncoder(w).Encode(e)
}

// httpStatusFor validates e.Code as a numeric HTTP status in the valid
// range (spec.md section 9: "validate that numeric statuses in the valid
// HTTP range are used; otherwise default to 500" — e.Code is
// conventionally a string tag, e.g. "RATE_LIMITED", so most errors fall
// through to 500 here; only a handler that deliberately sets a numeric
// code gets a custom status).
func httpStatusFor(e *Error) int {
	code, err := strconv.Atoi(e.Code)
	if err != nil || code < 100 || code > 599 {
		return http.StatusInternalServerError
	}
	return code
}
