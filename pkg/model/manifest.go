// Package model reads and writes network manifests: ordered layer
// descriptions with hyperparameters and inline parameter data that build
// into runnable nn networks. Manifests are YAML documents; JSON documents
// parse as well since YAML accepts them.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/nn"
	"github.com/explainlab/relprop/pkg/tensor"
)

// Manifest describes one sequential network.
type Manifest struct {
	Name   string      `yaml:"name,omitempty" json:"name,omitempty"`
	Layers []LayerSpec `yaml:"layers" json:"layers"`
}

// LayerSpec describes one layer. Kind selects the layer type; the other
// fields apply per kind and are ignored elsewhere. Parameter slices are
// flattened row-major; omitted parameters keep the layer's initialization.
type LayerSpec struct {
	Kind string `yaml:"kind" json:"kind"`

	// linear
	In  int `yaml:"in,omitempty" json:"in,omitempty"`
	Out int `yaml:"out,omitempty" json:"out,omitempty"`

	// conv2d and pooling
	InChannels  int `yaml:"in_channels,omitempty" json:"in_channels,omitempty"`
	OutChannels int `yaml:"out_channels,omitempty" json:"out_channels,omitempty"`
	Kernel      int `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Stride      int `yaml:"stride,omitempty" json:"stride,omitempty"`
	Padding     int `yaml:"padding,omitempty" json:"padding,omitempty"`

	// adaptive-avgpool2d
	OutH int `yaml:"out_h,omitempty" json:"out_h,omitempty"`
	OutW int `yaml:"out_w,omitempty" json:"out_w,omitempty"`

	// batchnorm2d
	Features int     `yaml:"features,omitempty" json:"features,omitempty"`
	Epsilon  float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`

	// dropout
	P float64 `yaml:"p,omitempty" json:"p,omitempty"`

	// parameters; weights/bias double as gamma/beta for batchnorm2d
	Weights  []float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
	Bias     []float64 `yaml:"bias,omitempty" json:"bias,omitempty"`
	Mean     []float64 `yaml:"mean,omitempty" json:"mean,omitempty"`
	Variance []float64 `yaml:"variance,omitempty" json:"variance,omitempty"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("%w: manifest declares no layers", domain.ErrManifestInvalid)
	}
	return &m, nil
}

// Save writes the manifest to path, as JSON when the extension is .json
// and as YAML otherwise.
func (m *Manifest) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(m, "", "  ")
	} else {
		data, err = yaml.Marshal(m)
	}
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Build constructs the described network. Every call produces an
// independent model; parameter data is copied, never aliased.
func (m *Manifest) Build() (*nn.Sequential, error) {
	seq := nn.NewSequential()
	for i, spec := range m.Layers {
		layer, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d (%s): %v", domain.ErrManifestInvalid, i, spec.Kind, err)
		}
		seq.Append(layer)
	}
	return seq, nil
}

func (s LayerSpec) build() (nn.Module, error) {
	switch nn.LayerKind(s.Kind) {
	case nn.KindLinear:
		if s.In <= 0 || s.Out <= 0 {
			return nil, fmt.Errorf("in and out must be positive, got %d and %d", s.In, s.Out)
		}
		l := nn.NewLinear(s.In, s.Out)
		if err := fill(l.W, s.Weights, "weights"); err != nil {
			return nil, err
		}
		if err := fill(l.B, s.Bias, "bias"); err != nil {
			return nil, err
		}
		return l, nil

	case nn.KindConv2D:
		if s.InChannels <= 0 || s.OutChannels <= 0 || s.Kernel <= 0 {
			return nil, fmt.Errorf("in_channels, out_channels and kernel must be positive")
		}
		c := nn.NewConv2D(s.InChannels, s.OutChannels, s.Kernel)
		if s.Stride > 0 {
			c.StrideH, c.StrideW = s.Stride, s.Stride
		}
		if s.Padding < 0 {
			return nil, fmt.Errorf("padding must not be negative, got %d", s.Padding)
		}
		c.PadH, c.PadW = s.Padding, s.Padding
		if err := fill(c.W, s.Weights, "weights"); err != nil {
			return nil, err
		}
		if err := fill(c.B, s.Bias, "bias"); err != nil {
			return nil, err
		}
		return c, nil

	case nn.KindMaxPool2D:
		if s.Kernel <= 0 {
			return nil, fmt.Errorf("kernel must be positive, got %d", s.Kernel)
		}
		p := nn.NewMaxPool2D(s.Kernel)
		if s.Stride > 0 {
			p.StrideH, p.StrideW = s.Stride, s.Stride
		}
		return p, nil

	case nn.KindAvgPool2D:
		if s.Kernel <= 0 {
			return nil, fmt.Errorf("kernel must be positive, got %d", s.Kernel)
		}
		p := nn.NewAvgPool2D(s.Kernel)
		if s.Stride > 0 {
			p.StrideH, p.StrideW = s.Stride, s.Stride
		}
		return p, nil

	case nn.KindAdaptiveAvgPool2D:
		if s.OutH <= 0 || s.OutW <= 0 {
			return nil, fmt.Errorf("out_h and out_w must be positive, got %d and %d", s.OutH, s.OutW)
		}
		return nn.NewAdaptiveAvgPool2D(s.OutH, s.OutW), nil

	case nn.KindBatchNorm2D:
		if s.Features <= 0 {
			return nil, fmt.Errorf("features must be positive, got %d", s.Features)
		}
		n := nn.NewBatchNorm2D(s.Features)
		if s.Epsilon > 0 {
			n.Eps = s.Epsilon
		}
		if err := fill(n.Gamma, s.Weights, "weights"); err != nil {
			return nil, err
		}
		if err := fill(n.Beta, s.Bias, "bias"); err != nil {
			return nil, err
		}
		if err := fill(n.Mean, s.Mean, "mean"); err != nil {
			return nil, err
		}
		if err := fill(n.Var, s.Variance, "variance"); err != nil {
			return nil, err
		}
		return n, nil

	case nn.KindReLU:
		return nn.NewReLU(), nil
	case nn.KindSigmoid:
		return nn.NewSigmoid(), nil
	case nn.KindTanh:
		return nn.NewTanh(), nil
	case nn.KindFlatten:
		return nn.NewFlatten(), nil
	case nn.KindDropout:
		if s.P < 0 || s.P >= 1 {
			return nil, fmt.Errorf("p must be in [0, 1), got %v", s.P)
		}
		return nn.NewDropout(s.P), nil

	case "":
		return nil, fmt.Errorf("missing kind")
	default:
		return nil, fmt.Errorf("unknown kind")
	}
}

// fill copies data into dst, leaving dst untouched when data is omitted.
func fill(dst *tensor.Tensor, data []float64, what string) error {
	if data == nil {
		return nil
	}
	if len(data) != dst.NumElements() {
		return fmt.Errorf("%s carries %d values, layer needs %d", what, len(data), dst.NumElements())
	}
	copy(dst.Data, data)
	return nil
}

// Snapshot captures a network as a manifest. The module tree is flattened
// to its leaf layers in forward order; container nesting is not preserved.
func Snapshot(name string, m nn.Module) (*Manifest, error) {
	if m == nil {
		return nil, domain.ErrModelNotLoaded
	}
	out := &Manifest{Name: name}
	for i, layer := range nn.Leaves(m) {
		spec, err := describe(layer)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d (%s): %v", domain.ErrManifestInvalid, i, layer.Name(), err)
		}
		out.Layers = append(out.Layers, spec)
	}
	if len(out.Layers) == 0 {
		return nil, fmt.Errorf("%w: model has no leaf layers", domain.ErrManifestInvalid)
	}
	return out, nil
}

func describe(layer nn.Layer) (LayerSpec, error) {
	switch l := layer.(type) {
	case *nn.Linear:
		return LayerSpec{
			Kind:    string(nn.KindLinear),
			In:      l.In,
			Out:     l.Out,
			Weights: cloneData(l.W),
			Bias:    cloneData(l.B),
		}, nil

	case *nn.Conv2D:
		if l.KernelH != l.KernelW || l.StrideH != l.StrideW || l.PadH != l.PadW {
			return LayerSpec{}, fmt.Errorf("asymmetric kernel, stride or padding is not representable")
		}
		spec := LayerSpec{
			Kind:        string(nn.KindConv2D),
			InChannels:  l.InChannels,
			OutChannels: l.OutChannels,
			Kernel:      l.KernelH,
			Padding:     l.PadH,
			Weights:     cloneData(l.W),
			Bias:        cloneData(l.B),
		}
		if l.StrideH != 1 {
			spec.Stride = l.StrideH
		}
		return spec, nil

	case *nn.MaxPool2D:
		if l.KernelH != l.KernelW || l.StrideH != l.StrideW {
			return LayerSpec{}, fmt.Errorf("asymmetric kernel or stride is not representable")
		}
		return LayerSpec{Kind: string(nn.KindMaxPool2D), Kernel: l.KernelH, Stride: l.StrideH}, nil

	case *nn.AvgPool2D:
		if l.KernelH != l.KernelW || l.StrideH != l.StrideW {
			return LayerSpec{}, fmt.Errorf("asymmetric kernel or stride is not representable")
		}
		return LayerSpec{Kind: string(nn.KindAvgPool2D), Kernel: l.KernelH, Stride: l.StrideH}, nil

	case *nn.AdaptiveAvgPool2D:
		return LayerSpec{Kind: string(nn.KindAdaptiveAvgPool2D), OutH: l.OutH, OutW: l.OutW}, nil

	case *nn.BatchNorm2D:
		return LayerSpec{
			Kind:     string(nn.KindBatchNorm2D),
			Features: l.Features,
			Epsilon:  l.Eps,
			Weights:  cloneData(l.Gamma),
			Bias:     cloneData(l.Beta),
			Mean:     cloneData(l.Mean),
			Variance: cloneData(l.Var),
		}, nil

	case *nn.ReLU:
		return LayerSpec{Kind: string(nn.KindReLU)}, nil
	case *nn.Sigmoid:
		return LayerSpec{Kind: string(nn.KindSigmoid)}, nil
	case *nn.Tanh:
		return LayerSpec{Kind: string(nn.KindTanh)}, nil
	case *nn.Flatten:
		return LayerSpec{Kind: string(nn.KindFlatten)}, nil
	case *nn.Dropout:
		return LayerSpec{Kind: string(nn.KindDropout), P: l.P}, nil

	default:
		return LayerSpec{}, fmt.Errorf("unsupported layer type %T", layer)
	}
}

func cloneData(t *tensor.Tensor) []float64 {
	return append([]float64(nil), t.Data...)
}
