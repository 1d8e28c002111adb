package lrp

import (
	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/nn"
	"github.com/explainlab/relprop/pkg/tensor"
)

// DefaultEpsilon is the stabilizer added to redistribution denominators
// when no explicit value is configured.
const DefaultEpsilon = 1e-9

// Rule redistributes one layer's output-side relevance onto that layer's
// inputs. A rule is bound to exactly one layer for one propagation; its
// saved tensors are transient and dropped on release.
type Rule interface {
	// Name identifies the rule in logs.
	Name() string
	// ForwardHook records the layer's input and output, derives the
	// stabilized weighted output used as the redistribution denominator,
	// and installs the gradient relays carrying the redistribution
	// arithmetic. Relay handles stay with the rule until ReleaseHandles.
	ForwardHook(layer nn.Layer, inputs []*autograd.Value, output *autograd.Value)
	// BackwardHookRelevance snapshots the output-side relevance arriving
	// at the layer, for per-layer reporting.
	BackwardHookRelevance(op autograd.Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor
	// Relevance returns the snapshot recorded by BackwardHookRelevance,
	// or nil when none was taken.
	Relevance() *tensor.Tensor
	// ReleaseHandles removes registered relays and drops saved tensors.
	ReleaseHandles()
}

// WeightManipulator is the extra contract of rules that rewrite layer
// parameters. Such rules need the probe pass: ForwardHookWeights observes
// original activations and rewrites parameters, and
// ForwardPreHookActivations restores the observed activations during the
// gradient pass.
type WeightManipulator interface {
	Rule
	ForwardHookWeights(layer nn.Layer, inputs []*autograd.Value, output *autograd.Value)
	ForwardPreHookActivations(layer nn.Layer, inputs []*autograd.Value)
}

// baseRule implements the shared redistribution bookkeeping: saved
// input/output, the stabilized denominator, and the two gradient relays
// that turn a backward pass into relevance propagation.
type baseRule struct {
	epsilon   float64
	input     *tensor.Tensor
	output    *tensor.Tensor
	weighted  *tensor.Tensor
	relevance *tensor.Tensor
	handles   []*autograd.Handle
}

func (r *baseRule) ForwardHook(layer nn.Layer, inputs []*autograd.Value, output *autograd.Value) {
	in := inputs[0]
	r.input = in.Tensor.Clone()
	r.output = output.Tensor.Clone()
	r.weighted = tensor.Stabilize(r.output, r.epsilon)

	r.handles = append(r.handles, output.RegisterGradRelay(layer, func(g *tensor.Tensor) *tensor.Tensor {
		return tensor.Div(g, r.weighted)
	}))

	// Model inputs keep their raw gradient; the engine multiplies by the
	// input once, at the end.
	if !in.Leaf() {
		saved := r.input
		r.handles = append(r.handles, in.RegisterGradRelay(layer, func(g *tensor.Tensor) *tensor.Tensor {
			return tensor.Mul(g, saved)
		}))
	}
}

func (r *baseRule) BackwardHookRelevance(op autograd.Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor {
	r.relevance = gradOutput.Clone()
	return nil
}

func (r *baseRule) Relevance() *tensor.Tensor { return r.relevance }

func (r *baseRule) ReleaseHandles() {
	for _, h := range r.handles {
		h.Remove()
	}
	r.handles = nil
	r.input = nil
	r.output = nil
	r.weighted = nil
}

// manipulator carries the probe-pass bookkeeping shared by rules that
// rewrite layer parameters.
type manipulator struct {
	setBiasToZero bool
	activations   *tensor.Tensor
	rewrite       func(w *tensor.Tensor)
}

func (m *manipulator) ForwardHookWeights(layer nn.Layer, inputs []*autograd.Value, output *autograd.Value) {
	m.activations = inputs[0].Tensor.Clone()

	p, ok := layer.(nn.Parametric)
	if !ok {
		return
	}
	if w := p.Weight(); w != nil {
		m.rewrite(w)
	}
	if m.setBiasToZero {
		if b := p.Bias(); b != nil {
			for i := range b.Data {
				b.Data[i] = 0
			}
		}
	}
}

func (m *manipulator) ForwardPreHookActivations(layer nn.Layer, inputs []*autograd.Value) {
	if m.activations == nil {
		return
	}
	// In-place rewrite: downstream of a rewritten layer the recorded
	// activations are stale, so the saved originals are written back into
	// the graph before this layer computes.
	inputs[0].Tensor.CopyDataFrom(m.activations)
}

func (m *manipulator) release() {
	m.activations = nil
}

// EpsilonRule redistributes relevance proportionally to each input's
// contribution to the epsilon-stabilized output. It needs no weight
// manipulation.
type EpsilonRule struct {
	baseRule
}

// NewEpsilonRule builds an epsilon rule; non-positive values fall back to
// DefaultEpsilon.
func NewEpsilonRule(epsilon float64) *EpsilonRule {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &EpsilonRule{baseRule{epsilon: epsilon}}
}

func (r *EpsilonRule) Name() string { return "epsilon" }

// Alpha1Beta0Rule redistributes relevance along positively weighted
// contributions only. It rewrites the layer's weights to their positive
// part, which is why it takes part in the probe pass.
type Alpha1Beta0Rule struct {
	baseRule
	manipulator
}

// NewAlpha1Beta0Rule builds an alpha-1/beta-0 rule. With setBiasToZero,
// bias terms are removed from the rewritten layer so they absorb no
// relevance.
func NewAlpha1Beta0Rule(setBiasToZero bool) *Alpha1Beta0Rule {
	r := &Alpha1Beta0Rule{
		baseRule:    baseRule{epsilon: DefaultEpsilon},
		manipulator: manipulator{setBiasToZero: setBiasToZero},
	}
	r.rewrite = func(w *tensor.Tensor) {
		for i, v := range w.Data {
			if v < 0 {
				w.Data[i] = 0
			}
		}
	}
	return r
}

func (r *Alpha1Beta0Rule) Name() string { return "alpha1beta0" }

func (r *Alpha1Beta0Rule) ReleaseHandles() {
	r.baseRule.ReleaseHandles()
	r.release()
}

// DefaultGamma is the positive-weight emphasis used when no explicit
// value is configured.
const DefaultGamma = 0.25

// GammaRule emphasizes positive contributions by rewriting weights to
// w + gamma*max(w, 0). Like the alpha-beta rule it takes part in the
// probe pass.
type GammaRule struct {
	baseRule
	manipulator
	gamma float64
}

// NewGammaRule builds a gamma rule; non-positive values fall back to
// DefaultGamma.
func NewGammaRule(gamma float64, setBiasToZero bool) *GammaRule {
	if gamma <= 0 {
		gamma = DefaultGamma
	}
	r := &GammaRule{
		baseRule:    baseRule{epsilon: DefaultEpsilon},
		manipulator: manipulator{setBiasToZero: setBiasToZero},
		gamma:       gamma,
	}
	r.rewrite = func(w *tensor.Tensor) {
		for i, v := range w.Data {
			if v > 0 {
				w.Data[i] = v + r.gamma*v
			}
		}
	}
	return r
}

func (r *GammaRule) Name() string { return "gamma" }

func (r *GammaRule) ReleaseHandles() {
	r.baseRule.ReleaseHandles()
	r.release()
}

// PassThrough marks activation layers that relay the backward signal
// unchanged without redistributing relevance.
type PassThrough struct{}

func (PassThrough) Name() string { return "pass-through" }

func (PassThrough) ForwardHook(nn.Layer, []*autograd.Value, *autograd.Value) {}

// BackwardHookActivation relays the output-side signal past the
// activation unchanged. Dead units carry zero relevance already, so the
// identity is exact.
func (PassThrough) BackwardHookActivation(op autograd.Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor {
	replaced := make([]*tensor.Tensor, len(gradInput))
	for i := range replaced {
		replaced[i] = gradOutput
	}
	return replaced
}

func (PassThrough) BackwardHookRelevance(op autograd.Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor {
	return nil
}

func (PassThrough) Relevance() *tensor.Tensor { return nil }

func (PassThrough) ReleaseHandles() {}
