package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/lrp"
	"github.com/explainlab/relprop/pkg/tensor"
)

// TensorPayload is the wire form of a tensor: a shape and the row-major
// values that fill it.
type TensorPayload struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TargetPayload selects the output positions credited by a run. Exactly
// one selector may be set. Omitting the target entirely requires a model
// that emits one score per example.
type TargetPayload struct {
	Index   *int    `json:"index,omitempty"`
	Indices []int   `json:"indices,omitempty"`
	Tuple   []int   `json:"tuple,omitempty"`
	Tuples  [][]int `json:"tuples,omitempty"`
}

// AttributeRequest is the body of POST /v1/attribute.
type AttributeRequest struct {
	Inputs    []TensorPayload `json:"inputs"`
	Target    *TargetPayload  `json:"target,omitempty"`
	AllLayers bool            `json:"all_layers,omitempty"`
	Delta     bool            `json:"delta,omitempty"`
}

// AttributeResponse carries the results of one attribution run.
type AttributeResponse struct {
	RunID  string          `json:"run_id,omitempty"`
	Model  string          `json:"model"`
	Values []TensorPayload `json:"values"`
	Layers []TensorPayload `json:"layers,omitempty"`
	Delta  []float64       `json:"delta,omitempty"`
}

// Tensor materializes the payload, validating shape against the data.
func (p TensorPayload) Tensor() (*tensor.Tensor, error) {
	if len(p.Shape) == 0 {
		return nil, fmt.Errorf("%w: tensor is missing a shape", domain.ErrConfigInvalid)
	}
	for _, d := range p.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: tensor has non-positive dimension %d", domain.ErrConfigInvalid, d)
		}
	}
	t, err := tensor.FromSlice(p.Data, p.Shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return t, nil
}

func payloadFrom(t *tensor.Tensor) TensorPayload {
	return TensorPayload{Shape: t.Shape, Data: t.Data}
}

func payloads(ts []*tensor.Tensor) []TensorPayload {
	out := make([]TensorPayload, len(ts))
	for i, t := range ts {
		out[i] = payloadFrom(t)
	}
	return out
}

func (p *TargetPayload) resolve() (lrp.Target, error) {
	if p == nil {
		return nil, nil
	}
	var targets []lrp.Target
	if p.Index != nil {
		targets = append(targets, lrp.Index(*p.Index))
	}
	if len(p.Indices) > 0 {
		targets = append(targets, lrp.Indices(p.Indices))
	}
	if len(p.Tuple) > 0 {
		targets = append(targets, lrp.IndexTuple(p.Tuple))
	}
	if len(p.Tuples) > 0 {
		targets = append(targets, lrp.IndexTuples(p.Tuples))
	}
	switch len(targets) {
	case 0:
		return nil, fmt.Errorf("%w: target object is empty; set index, indices, tuple or tuples", domain.ErrInvalidTarget)
	case 1:
		return targets[0], nil
	default:
		return nil, fmt.Errorf("%w: target sets more than one selector", domain.ErrInvalidTarget)
	}
}

func (s *Server) handleAttribute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.writeError(ctx, w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	var req AttributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(ctx, w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE",
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", "Request body is not valid JSON")
		return
	}

	if len(req.Inputs) == 0 {
		s.writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", "At least one input tensor is required")
		return
	}
	inputs := make([]*tensor.Tensor, len(req.Inputs))
	for i, p := range req.Inputs {
		t, err := p.Tensor()
		if err != nil {
			s.writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("input %d: %v", i, err))
			return
		}
		inputs[i] = t
	}
	target, err := req.Target.resolve()
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, "INVALID_TARGET", err.Error())
		return
	}

	engine, err := s.store.Engine()
	if err != nil {
		s.writeError(ctx, w, http.StatusServiceUnavailable, "MODEL_NOT_LOADED", "No model is loaded")
		return
	}

	start := time.Now()
	res, err := engine.Attribute(ctx, lrp.Request{
		Inputs:      inputs,
		Target:      target,
		AllLayers:   req.AllLayers,
		ReturnDelta: req.Delta,
	})
	if err != nil {
		s.metrics.RecordAttribution("error", time.Since(start))
		status, code := classifyError(err)
		message := err.Error()
		if status >= http.StatusInternalServerError {
			message = "Attribution failed"
		}
		s.logger.Error("attribution failed", "error", err, "status", status)
		s.writeError(ctx, w, status, code, message)
		return
	}
	s.metrics.RecordAttribution("success", time.Since(start))

	resp := AttributeResponse{
		Model:  s.store.ModelName(),
		Values: payloads(res.Values),
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		resp.RunID = id
	}
	if req.AllLayers {
		resp.Layers = payloads(res.Layers)
	}
	if req.Delta {
		resp.Delta = res.Delta
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode attribution response", "error", err)
	}
}

// classifyError maps attribution errors onto HTTP statuses and stable
// machine-readable codes.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrModelNotLoaded):
		return http.StatusServiceUnavailable, "MODEL_NOT_LOADED"
	case errors.Is(err, domain.ErrInvalidTarget):
		return http.StatusBadRequest, "INVALID_TARGET"
	case errors.Is(err, domain.ErrUnsupportedActivation):
		return http.StatusBadRequest, "UNSUPPORTED_MODEL"
	case errors.Is(err, domain.ErrInvalidRule):
		return http.StatusBadRequest, "INVALID_RULE"
	case errors.Is(err, domain.ErrLayerNotFound):
		return http.StatusBadRequest, "LAYER_NOT_FOUND"
	case errors.Is(err, domain.ErrConfigInvalid):
		return http.StatusBadRequest, "INVALID_REQUEST"
	default:
		return http.StatusInternalServerError, "ATTRIBUTION_FAILED"
	}
}

// writeError writes the standard JSON error body, attaching the current
// trace ID when one is recording.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	resp := domain.ErrorResponse{Code: code, Message: message, TraceID: traceID}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}
