// Package lrp implements layer-wise relevance propagation: it decomposes
// a network's output score into per-input-feature relevance contributions
// by propagating a conservation-respecting quantity backward through the
// layers under layer-specific decomposition rules.
//
// The engine never mutates the caller's model; every Attribute call
// operates on a private deep copy with per-call rule state, so calls are
// safe to run concurrently as long as the model itself is left alone.
package lrp
