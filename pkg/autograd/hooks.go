package autograd

import "github.com/explainlab/relprop/pkg/tensor"

// ForwardPreHook runs before an operator computes. It may rewrite input
// tensor data in place; the rewritten data is what the operator and its
// VJP see.
type ForwardPreHook func(op Op, inputs []*Value)

// ForwardHook runs after an operator computes. A non-nil result replaces
// the recorded output value.
type ForwardHook func(op Op, inputs []*Value, output *Value) *Value

// BackwardHook runs after an operator's VJP. gradOutput is the gradient
// that arrived at the operator's output before the operator's own relays
// fired; gradInput holds one gradient per input. A non-nil result replaces
// gradInput and must have the same arity.
type BackwardHook func(op Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor

// Handle detaches one registered hook or relay. Remove is idempotent.
type Handle struct {
	remove func()
	done   bool
}

// Remove detaches the hook. Subsequent calls are no-ops.
func (h *Handle) Remove() {
	if h == nil || h.done {
		return
	}
	h.done = true
	h.remove()
}

type hookEntry[F any] struct {
	id int
	fn F
}

// Hooks stores an operator's registered hooks. Embed it in an operator
// type to make the operator hookable; the embedded HookSet method
// satisfies HookCarrier.
type Hooks struct {
	nextID  int
	pre     []hookEntry[ForwardPreHook]
	forward []hookEntry[ForwardHook]
	back    []hookEntry[BackwardHook]
}

// HookCarrier is implemented by operators that accept hooks.
type HookCarrier interface {
	HookSet() *Hooks
}

// HookSet returns h, letting embedders satisfy HookCarrier.
func (h *Hooks) HookSet() *Hooks { return h }

// RegisterForwardPreHook adds fn to run before the operator computes.
func (h *Hooks) RegisterForwardPreHook(fn ForwardPreHook) *Handle {
	h.nextID++
	id := h.nextID
	h.pre = append(h.pre, hookEntry[ForwardPreHook]{id: id, fn: fn})
	return &Handle{remove: func() {
		h.pre = removeEntry(h.pre, id)
	}}
}

// RegisterForwardHook adds fn to run after the operator computes.
func (h *Hooks) RegisterForwardHook(fn ForwardHook) *Handle {
	h.nextID++
	id := h.nextID
	h.forward = append(h.forward, hookEntry[ForwardHook]{id: id, fn: fn})
	return &Handle{remove: func() {
		h.forward = removeEntry(h.forward, id)
	}}
}

// RegisterBackwardHook adds fn to run after the operator's VJP.
func (h *Hooks) RegisterBackwardHook(fn BackwardHook) *Handle {
	h.nextID++
	id := h.nextID
	h.back = append(h.back, hookEntry[BackwardHook]{id: id, fn: fn})
	return &Handle{remove: func() {
		h.back = removeEntry(h.back, id)
	}}
}

func removeEntry[F any](entries []hookEntry[F], id int) []hookEntry[F] {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

func (h *Hooks) firePre(op Op, inputs []*Value) {
	for _, e := range h.pre {
		e.fn(op, inputs)
	}
}

func (h *Hooks) fireForward(op Op, inputs []*Value, output *Value) *Value {
	var replaced *Value
	for _, e := range h.forward {
		if out := e.fn(op, inputs, output); out != nil {
			output = out
			replaced = out
		}
	}
	return replaced
}

func (h *Hooks) fireBackward(op Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor {
	for _, e := range h.back {
		if replaced := e.fn(op, gradInput, gradOutput); replaced != nil {
			gradInput = replaced
		}
	}
	return gradInput
}

// GradRelay rewrites a gradient flowing through one value.
type GradRelay func(grad *tensor.Tensor) *tensor.Tensor

type relayEntry struct {
	id    int
	owner Op
	fn    GradRelay
}

// RegisterGradRelay attaches fn to v's gradient stream. owner identifies
// the operator on whose behalf the relay acts: when v is processed during
// backward, relays owned by operators other than v's producer fire first,
// newest first, then relays owned by the producer itself. The gradient
// between the two groups is what backward hooks on the producer observe
// as grad-output.
func (v *Value) RegisterGradRelay(owner Op, fn GradRelay) *Handle {
	v.relaySeq++
	id := v.relaySeq
	v.relays = append(v.relays, &relayEntry{id: id, owner: owner, fn: fn})
	return &Handle{remove: func() {
		for i, e := range v.relays {
			if e.id == id {
				v.relays = append(v.relays[:i:i], v.relays[i+1:]...)
				return
			}
		}
	}}
}

// fireRelays runs the relays on v whose ownership matches, newest first.
func (v *Value) fireRelays(g *tensor.Tensor, producer Op, ownedByProducer bool) *tensor.Tensor {
	for i := len(v.relays) - 1; i >= 0; i-- {
		e := v.relays[i]
		if (e.owner == producer) != ownedByProducer {
			continue
		}
		if out := e.fn(g); out != nil {
			g = out
		}
	}
	return g
}
