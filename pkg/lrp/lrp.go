package lrp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/nn"
	"github.com/explainlab/relprop/pkg/telemetry"
	"github.com/explainlab/relprop/pkg/tensor"
)

const tracerName = "relprop.lrp"

// Network is the model contract the engine drives: a module tree that can
// also run a recorded forward pass.
type Network interface {
	nn.Module
	autograd.Model
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger routes engine logs to l instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEpsilon sets the stabilizer used by registry-selected epsilon rules.
func WithEpsilon(epsilon float64) Option {
	return func(e *Engine) {
		if epsilon > 0 {
			e.epsilon = epsilon
		}
	}
}

// WithZeroBias makes registry-selected weight-manipulating rules zero
// their layer's bias, keeping bias terms from absorbing relevance.
func WithZeroBias(on bool) Option {
	return func(e *Engine) { e.zeroBias = on }
}

// WithLayerRule overrides the registry's rule for the layer at the given
// traversal position. A nil rule forces the layer to be skipped. The rule
// acts as configuration only; every call works on a fresh copy of it.
func WithLayerRule(position int, rule Rule) Option {
	return func(e *Engine) { e.overrides[position] = rule }
}

// Engine computes relevance attributions for one model. The configured
// model is never mutated: every call deep-copies it first. An Engine keeps
// no cross-call state, so concurrent calls are safe as long as the model
// itself is left alone.
type Engine struct {
	model     Network
	logger    *slog.Logger
	epsilon   float64
	zeroBias  bool
	overrides map[int]Rule
}

// New builds an engine around model.
func New(model Network, opts ...Option) *Engine {
	e := &Engine{
		model:     model,
		logger:    slog.Default(),
		epsilon:   DefaultEpsilon,
		overrides: make(map[int]Rule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request describes one attribution run.
type Request struct {
	// Inputs are the model inputs, one tensor per model argument, each
	// with the batch on dimension 0. The engine works on copies.
	Inputs []*tensor.Tensor
	// Target selects which output positions receive the unit seed. Nil
	// requires a model emitting one score per example.
	Target Target
	// AdditionalArgs are forwarded to the model untouched.
	AdditionalArgs []any
	// ReturnDelta requests the per-example conservation diagnostic.
	ReturnDelta bool
	// AllLayers requests the ordered per-layer relevance table.
	AllLayers bool
	// Verbose raises per-layer rule application logs to info level.
	Verbose bool
}

// Result carries the outputs of one attribution run.
type Result struct {
	// Values holds one attribution tensor per input, shaped like it.
	// Layer-scoped runs put the designated layer's relevance here instead.
	Values []*tensor.Tensor
	// Layers, when requested, is the relevance table: input attributions
	// first, then one entry per traversed layer in forward order. Layers
	// without a recorded snapshot repeat the previous entry.
	Layers []*tensor.Tensor
	// Delta, when requested, holds the per-example conservation residual:
	// the selected output score minus the summed attributions.
	Delta []float64
}

// Attribute decomposes the selected output score into per-input relevance.
// The attributions are scaled so that, up to rule stabilizers and bias
// absorption, they sum to the selected score per example.
func (e *Engine) Attribute(ctx context.Context, req Request) (*Result, error) {
	return e.attribute(ctx, req, -1)
}

func (e *Engine) attribute(ctx context.Context, req Request, scoped int) (*Result, error) {
	start := time.Now()
	method := "lrp"
	if scoped >= 0 {
		method = "layer-lrp"
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "lrp.attribute")
	defer span.End()

	res, stats, err := e.run(ctx, req, scoped)

	telemetry.RecordRun(ctx, telemetry.RunMetrics{
		Method:        method,
		Layers:        stats.layers,
		SkippedLayers: stats.skipped,
		Batch:         stats.batch,
		AllLayers:     req.AllLayers,
		Failed:        err != nil,
		Duration:      time.Since(start),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attribution failed")
		return nil, err
	}
	telemetry.AnnotateRun(span, stats.layers, stats.skipped, stats.batch, req.AllLayers)
	return res, nil
}

type runStats struct {
	layers  int
	skipped int
	batch   int
}

func (e *Engine) run(ctx context.Context, req Request, scoped int) (*Result, runStats, error) {
	var stats runStats

	if e.model == nil {
		return nil, stats, domain.ErrModelNotLoaded
	}
	batch, err := validateInputs(req.Inputs)
	if err != nil {
		return nil, stats, err
	}
	stats.batch = batch

	logger := e.logger.With("run_id", uuid.NewString())

	model, ok := e.model.CloneModule().(Network)
	if !ok {
		return nil, stats, fmt.Errorf("%w: model clone is not a runnable network", domain.ErrConfigInvalid)
	}
	layers, err := flattenLayers(model, logger)
	if err != nil {
		return nil, stats, err
	}
	stats.layers = len(layers)

	rules, manipulates, skipped, err := e.selectRules(layers, logger, req.Verbose)
	if err != nil {
		return nil, stats, err
	}
	stats.skipped = skipped

	if scoped >= 0 {
		if scoped >= len(layers) {
			return nil, stats, fmt.Errorf("%w: designated layer position %d out of range for %d layers",
				domain.ErrLayerNotFound, scoped, len(layers))
		}
		switch rules[scoped].(type) {
		case nil, PassThrough:
			return nil, stats, fmt.Errorf("%w: designated layer %q carries no redistribution rule",
				domain.ErrInvalidRule, layers[scoped].Name())
		}
	}

	leaves := make([]*autograd.Value, len(req.Inputs))
	for i, in := range req.Inputs {
		leaves[i] = autograd.NewLeaf(in.Clone())
	}
	tracked := autograd.ApplyGradientRequirements(leaves)
	defer autograd.UndoGradientRequirements(leaves, tracked)

	target := normalizeTarget(req.Target)

	// First pass, original weights. The selected score scales the final
	// attributions and anchors the conservation diagnostic, and an invalid
	// target surfaces here before any hook is installed.
	out, err := autograd.RunForward(ctx, model, leaves, req.AdditionalArgs...)
	if err != nil {
		return nil, stats, err
	}
	scores, err := target.Select(out.Tensor)
	if err != nil {
		return nil, stats, err
	}

	prop := &propagation{layers: layers, rules: rules}
	defer prop.teardown()

	if manipulates {
		if err := prop.adjustWeights(ctx, model, leaves, req.AdditionalArgs); err != nil {
			return nil, stats, err
		}
	}

	prop.installHooks(req.AllLayers, scoped)

	grads, _, err := autograd.Gradients(ctx, model, leaves, target, req.AdditionalArgs...)
	if err != nil {
		return nil, stats, err
	}

	values := make([]*tensor.Tensor, len(leaves))
	for i, g := range grads {
		values[i] = tensor.MulPerExample(tensor.Mul(g, leaves[i].Tensor), scores)
	}

	res := &Result{Values: values}
	if scoped >= 0 {
		rel := rules[scoped].Relevance()
		if rel == nil {
			return nil, stats, fmt.Errorf("no relevance reached designated layer %q", layers[scoped].Name())
		}
		res.Values = []*tensor.Tensor{rel}
	}
	if req.AllLayers {
		res.Layers = layerTable(values, rules)
	}
	if req.ReturnDelta {
		res.Delta = convergenceDelta(scores, res.Values)
	}

	logger.Debug("attribution complete",
		"layers", stats.layers,
		"skipped", stats.skipped,
		"batch", stats.batch)
	return res, stats, nil
}

// selectRules resolves one rule per layer: explicit overrides first, the
// kind registry otherwise. Layers without a rule keep a nil slot and their
// plain backward pass.
func (e *Engine) selectRules(layers []nn.Layer, logger *slog.Logger, verbose bool) ([]Rule, bool, int, error) {
	for position := range e.overrides {
		if position < 0 || position >= len(layers) {
			return nil, false, 0, fmt.Errorf("%w: rule override position %d out of range for %d layers",
				domain.ErrInvalidRule, position, len(layers))
		}
	}

	rules := make([]Rule, len(layers))
	manipulates := false
	skipped := 0

	for i, layer := range layers {
		var rule Rule
		if override, ok := e.overrides[i]; ok {
			if override != nil && !validRule(override) {
				return nil, false, 0, fmt.Errorf("%w: %T is not a recognized propagation rule",
					domain.ErrInvalidRule, override)
			}
			rule = freshRule(override)
		} else {
			rule, _ = e.defaultRule(layer.Kind())
		}

		if rule == nil {
			skipped++
			logger.Warn("no propagation rule for layer",
				"layer", layer.Name(),
				"kind", string(layer.Kind()),
				"position", i)
			continue
		}

		if _, ok := rule.(WeightManipulator); ok {
			manipulates = true
		}
		rules[i] = rule

		level := slog.LevelDebug
		if verbose {
			level = slog.LevelInfo
		}
		logger.Log(context.Background(), level, "applying propagation rule",
			"layer", layer.Name(),
			"rule", rule.Name(),
			"position", i)
	}
	return rules, manipulates, skipped, nil
}

func validateInputs(inputs []*tensor.Tensor) (int, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: at least one input tensor required", domain.ErrConfigInvalid)
	}
	batch := 0
	for i, in := range inputs {
		if in == nil || len(in.Shape) == 0 {
			return 0, fmt.Errorf("%w: input %d is empty", domain.ErrConfigInvalid, i)
		}
		if i == 0 {
			batch = in.Shape[0]
			if batch == 0 {
				return 0, fmt.Errorf("%w: input batch dimension is zero", domain.ErrConfigInvalid)
			}
			continue
		}
		if in.Shape[0] != batch {
			return 0, fmt.Errorf("%w: input %d batch %d does not match %d",
				domain.ErrConfigInvalid, i, in.Shape[0], batch)
		}
	}
	return batch, nil
}

// layerTable assembles the all-layers relevance view: input attributions
// first, then each traversed layer's recorded relevance in forward order.
func layerTable(values []*tensor.Tensor, rules []Rule) []*tensor.Tensor {
	table := make([]*tensor.Tensor, 0, len(values)+len(rules))
	table = append(table, values...)
	for _, r := range rules {
		var rel *tensor.Tensor
		if r != nil {
			rel = r.Relevance()
		}
		if rel == nil {
			rel = table[len(table)-1]
		}
		table = append(table, rel)
	}
	return table
}

// convergenceDelta reports, per example, how much of the selected output
// score the attributions fail to account for.
func convergenceDelta(scores *tensor.Tensor, attributions []*tensor.Tensor) []float64 {
	delta := make([]float64, scores.Shape[0])
	for b := range delta {
		delta[b] = scores.Data[b]
	}
	for _, a := range attributions {
		sums := tensor.SumPerExample(a)
		for b := range delta {
			delta[b] -= sums.Data[b]
		}
	}
	return delta
}

// ComputeConvergenceDelta recomputes the conservation diagnostic for a set
// of attributions against a fresh, unmanipulated copy of the model: the
// selected output score minus the attribution mass, per example.
func (e *Engine) ComputeConvergenceDelta(ctx context.Context, attributions []*tensor.Tensor, req Request) ([]float64, error) {
	if e.model == nil {
		return nil, domain.ErrModelNotLoaded
	}
	batch, err := validateInputs(req.Inputs)
	if err != nil {
		return nil, err
	}
	if len(attributions) == 0 {
		return nil, fmt.Errorf("%w: no attributions to check", domain.ErrConfigInvalid)
	}
	for i, a := range attributions {
		if a == nil || len(a.Shape) == 0 || a.Shape[0] != batch {
			return nil, fmt.Errorf("%w: attribution %d does not match input batch %d",
				domain.ErrConfigInvalid, i, batch)
		}
	}

	model, ok := e.model.CloneModule().(Network)
	if !ok {
		return nil, fmt.Errorf("%w: model clone is not a runnable network", domain.ErrConfigInvalid)
	}
	leaves := make([]*autograd.Value, len(req.Inputs))
	for i, in := range req.Inputs {
		leaves[i] = autograd.NewLeaf(in.Clone())
	}
	out, err := autograd.RunForward(ctx, model, leaves, req.AdditionalArgs...)
	if err != nil {
		return nil, err
	}
	scores, err := normalizeTarget(req.Target).Select(out.Tensor)
	if err != nil {
		return nil, err
	}
	return convergenceDelta(scores, attributions), nil
}

// propagation is the per-call hook and rule state. teardown runs deferred
// and unconditionally, so no hooks or saved tensors survive a call.
type propagation struct {
	layers  []nn.Layer
	rules   []Rule
	handles []*autograd.Handle
}

func (p *propagation) track(h *autograd.Handle) {
	p.handles = append(p.handles, h)
}

func (p *propagation) teardown() {
	for _, h := range p.handles {
		h.Remove()
	}
	p.handles = nil
	for _, r := range p.rules {
		if r != nil {
			r.ReleaseHandles()
		}
	}
}

// adjustWeights runs the probe pass for weight-manipulating rules: every
// such rule observes its layer's original input activations, then rewrites
// the layer's parameters in place. Afterwards the restore hooks are
// installed so the gradient pass sees original activations everywhere.
func (p *propagation) adjustWeights(ctx context.Context, model autograd.Model, leaves []*autograd.Value, extra []any) error {
	var probes []*autograd.Handle
	for i, r := range p.rules {
		m, ok := r.(WeightManipulator)
		if !ok {
			continue
		}
		layer := p.layers[i]
		probes = append(probes, layer.HookSet().RegisterForwardHook(
			func(op autograd.Op, inputs []*autograd.Value, output *autograd.Value) *autograd.Value {
				m.ForwardHookWeights(layer, inputs, output)
				return nil
			}))
	}

	_, err := autograd.RunForward(ctx, model, leaves, extra...)
	for _, h := range probes {
		h.Remove()
	}
	if err != nil {
		return fmt.Errorf("weight adjustment pass: %w", err)
	}

	for i, r := range p.rules {
		m, ok := r.(WeightManipulator)
		if !ok {
			continue
		}
		layer := p.layers[i]
		p.track(layer.HookSet().RegisterForwardPreHook(
			func(op autograd.Op, inputs []*autograd.Value) {
				m.ForwardPreHookActivations(layer, inputs)
			}))
	}
	return nil
}

// installHooks arms the gradient pass: redistribution forward hooks on
// rule-bearing layers, identity backward relays on pass-through layers,
// and relevance snapshots where the caller asked for them.
func (p *propagation) installHooks(snapshots bool, scoped int) {
	for i, r := range p.rules {
		layer := p.layers[i]
		switch rule := r.(type) {
		case nil:
		case PassThrough:
			p.track(layer.HookSet().RegisterBackwardHook(rule.BackwardHookActivation))
		default:
			p.track(layer.HookSet().RegisterForwardHook(
				func(op autograd.Op, inputs []*autograd.Value, output *autograd.Value) *autograd.Value {
					rule.ForwardHook(layer, inputs, output)
					return nil
				}))
			if snapshots || i == scoped {
				p.track(layer.HookSet().RegisterBackwardHook(rule.BackwardHookRelevance))
			}
		}
	}
}
