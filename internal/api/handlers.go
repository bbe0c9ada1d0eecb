package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"deploy-agent/internal/bus"
	"deploy-agent/internal/command"
)

// RequesterHeader names the requester client id of an HTTP request
const RequesterHeader = "X-Requester-Client-Id"

const defaultRequester = "local"

// Dispatcher routes bridged requests
type Dispatcher interface {
	Dispatch(ctx context.Context, req *command.Request) *command.Response
}

// DeployHandlers bridges HTTP requests to the request dispatcher
type DeployHandlers struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewDeployHandlers creates the bridge handlers
func NewDeployHandlers(dispatcher Dispatcher, logger *slog.Logger) *DeployHandlers {
	return &DeployHandlers{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Get handles GET /api/deploy/{resource}
func (h *DeployHandlers) Get(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, command.VerbGet)
}

// Exec handles POST /api/deploy/{resource}
func (h *DeployHandlers) Exec(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, command.VerbExec)
}

// Delete handles DELETE /api/deploy/{resource}
func (h *DeployHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, command.VerbDel)
}

func (h *DeployHandlers) serve(w http.ResponseWriter, r *http.Request, verb command.Verb) {
	metrics, err := decodeMetrics(r.Body)
	if err != nil {
		h.logger.Warn("invalid request body", "path", r.URL.Path, "error", err)
		h.write(w, command.Fail(command.CodeBadRequest, "invalid request body", err))
		return
	}

	requester := r.Header.Get(RequesterHeader)
	if requester == "" {
		requester = defaultRequester
	}
	req := &command.Request{
		ID:                uuid.New().String(),
		Verb:              verb,
		Resources:         command.SplitResources(mux.Vars(r)["resource"]),
		RequesterClientID: requester,
		Metrics:           metrics,
	}
	// Jobs outlive the HTTP request
	h.write(w, h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), req))
}

func (h *DeployHandlers) write(w http.ResponseWriter, resp *command.Response) {
	body, err := bus.EncodeResponse(resp)
	if err != nil {
		h.logger.Error("failed to encode response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(resp.Code))
	w.Write(body)
}

func decodeMetrics(body io.Reader) (map[string]any, error) {
	metrics := map[string]any{}
	if body == nil {
		return metrics, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return metrics, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&metrics); err != nil {
		return nil, err
	}
	if metrics == nil {
		return nil, errors.New("metrics must be a JSON object")
	}
	return metrics, nil
}
