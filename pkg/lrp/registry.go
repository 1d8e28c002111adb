package lrp

import (
	"github.com/explainlab/relprop/pkg/nn"
)

// defaultRule maps a layer kind to the registry's rule for it. The second
// result is false for kinds with no rule at all; those layers are skipped
// with a warning and relevance flows through their plain backward pass.
func (e *Engine) defaultRule(kind nn.LayerKind) (Rule, bool) {
	switch kind {
	case nn.KindConv2D, nn.KindLinear:
		return NewAlpha1Beta0Rule(e.zeroBias), true
	case nn.KindMaxPool2D, nn.KindAvgPool2D, nn.KindAdaptiveAvgPool2D, nn.KindBatchNorm2D:
		return NewEpsilonRule(e.epsilon), true
	case nn.KindReLU:
		return PassThrough{}, true
	default:
		return nil, false
	}
}

// DefaultRuleName reports which rule the registry selects for a layer
// kind under default options. Empty means the kind carries no rule and
// the layer keeps its plain backward pass.
func DefaultRuleName(kind nn.LayerKind) string {
	e := &Engine{epsilon: DefaultEpsilon}
	rule, ok := e.defaultRule(kind)
	if !ok {
		return ""
	}
	return rule.Name()
}

// validRule reports whether r belongs to the closed set of known rule
// implementations.
func validRule(r Rule) bool {
	switch r.(type) {
	case *EpsilonRule, *Alpha1Beta0Rule, *GammaRule, PassThrough:
		return true
	}
	return false
}

// freshRule copies a rule's configuration into a new instance. Rules hold
// per-propagation state, so configured overrides are never used directly.
func freshRule(r Rule) Rule {
	switch rule := r.(type) {
	case *EpsilonRule:
		return NewEpsilonRule(rule.epsilon)
	case *Alpha1Beta0Rule:
		return NewAlpha1Beta0Rule(rule.setBiasToZero)
	case *GammaRule:
		return NewGammaRule(rule.gamma, rule.setBiasToZero)
	case PassThrough:
		return PassThrough{}
	}
	return nil
}
