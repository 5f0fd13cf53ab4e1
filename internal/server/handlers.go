package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"serveml/internal/bodyutil"
	"serveml/internal/product"
	"serveml/internal/registry"
)

// Client-facing messages for the product sentinels.
const (
	msgNotFound   = "Product not found"
	msgValidation = "Inference args failed to meet test standards"
	msgInternal   = "internal error"

	msgBadAddBody = "body must be a JSON object with base64 model and args_test"
	msgBadArgs    = "arguments must be a JSON object"
)

// badRequest is a malformed request body. Clients see only msg; the
// decoder's error is logged.
type badRequest struct {
	msg   string
	cause error
}

func (e *badRequest) Error() string { return e.msg + ": " + e.cause.Error() }

func (e *badRequest) Unwrap() error { return product.ErrDecode }

type messageBody struct {
	Message string `json:"message"`
}

// AddRequest is the body of POST /add_product. Both fields are codec
// payloads, base64 encoded on the wire.
type AddRequest struct {
	Model    []byte `json:"model"`
	ArgsTest []byte `json:"args_test"`
}

type AddResponse struct {
	NewProductKey int64 `json:"new_product_key"`
}

type RemoveResponse struct {
	DeletedProductKey int64 `json:"deleted_product_key"`
}

type ListResponse struct {
	ActiveProductKeys []int64 `json:"active_product_keys"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req AddRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, &badRequest{msg: msgBadAddBody, cause: err})
		return
	}

	key, err := s.reg.Add(r.Context(), req.Model, req.ArgsTest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AddResponse{NewProductKey: key})
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var args product.Args
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			s.writeError(w, r, &badRequest{msg: msgBadArgs, cause: err})
			return
		}
	}

	result, err := s.reg.Infer(r.Context(), key, args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	buf, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: product %d result is not JSON: %v", product.ErrInference, key, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.reg.Remove(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveResponse{DeletedProductKey: key})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.reg.Loaded() {
		s.writeError(w, r, registry.ErrNotLoaded)
		return
	}
	keys := s.reg.List()
	if keys == nil {
		keys = []int64{}
	}
	writeJSON(w, http.StatusOK, ListResponse{ActiveProductKeys: keys})
}

// pathKey parses {product_key}. A key that cannot name a product is
// reported the same way as an absent one.
func pathKey(r *http.Request) (int64, error) {
	raw := r.PathValue("product_key")
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || key < 1 {
		return 0, fmt.Errorf("%w: key %q", product.ErrNotFound, raw)
	}
	return key, nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	return bodyutil.ReadBody(r.Body, r.Header.Get("Content-Encoding"), s.maxBody)
}

// writeError maps an error to its status and client message. Server
// faults are logged in full; the client only learns that one happened.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	var badReq *badRequest
	status, msg := http.StatusInternalServerError, msgInternal
	switch {
	case errors.As(err, &badReq):
		status, msg = http.StatusBadRequest, badReq.msg
	case errors.Is(err, product.ErrNotFound):
		status, msg = http.StatusBadRequest, msgNotFound
	case errors.Is(err, product.ErrValidation):
		status, msg = http.StatusBadRequest, msgValidation
	case errors.Is(err, product.ErrDecode):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, bodyutil.ErrTooLarge), errors.As(err, &maxErr):
		status, msg = http.StatusRequestEntityTooLarge, bodyutil.ErrTooLarge.Error()
	case errors.Is(err, bodyutil.ErrUnsupportedEncoding):
		status, msg = http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, registry.ErrNotLoaded):
		status, msg = http.StatusServiceUnavailable, "registry not loaded"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestID(r.Context()),
			"error", err)
	} else {
		s.logger.Debug("request rejected",
			"path", r.URL.Path,
			"request_id", RequestID(r.Context()),
			"error", err)
	}
	writeJSON(w, status, messageBody{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}
