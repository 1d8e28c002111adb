// Package main is the entry point for the relprop binary.
// It runs one-shot relevance attributions for manifest-defined networks.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/explainlab/relprop/pkg/logging"
	"github.com/explainlab/relprop/pkg/lrp"
	"github.com/explainlab/relprop/pkg/model"
	"github.com/explainlab/relprop/pkg/nn"
	"github.com/explainlab/relprop/pkg/service"
	"github.com/explainlab/relprop/pkg/tensor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for relprop
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relprop",
		Short: "Layer-wise relevance attribution for manifest-defined networks",
		Long: `relprop decomposes a network's output score into per-input relevance by
propagating the score backwards through the layers.

Networks are described by YAML or JSON manifests (see the model package),
inputs by JSON tensor documents of the form {"shape": [1, 2], "data": [1, 2]}.`,
	}

	rootCmd.AddCommand(newAttributeCmd())
	rootCmd.AddCommand(newInspectCmd())

	return rootCmd
}

// attributeOptions holds the parsed attribute command flags
type attributeOptions struct {
	Model     string
	Input     string
	Target    int
	TargetSet bool
	AllLayers bool
	Delta     bool
	Epsilon   float64
	ZeroBias  bool
	Output    string
	Verbose   bool
}

func newAttributeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attribute",
		Short: "Attribute an output score to the model inputs",
		Long: `Runs one attribution: loads the manifest, builds the network, propagates
the selected output score back to the inputs and writes the result as JSON.

Example:
  relprop attribute --model net.yaml --input in.json --target 3 --delta`,
		RunE: runAttribute,
	}

	cmd.Flags().StringP("model", "m", "", "Path to the network manifest (YAML or JSON)")
	cmd.Flags().StringP("input", "i", "", "Path to the JSON input tensor document")
	cmd.Flags().IntP("target", "t", 0, "Output column to attribute (omit for single-score models)")
	cmd.Flags().Bool("all-layers", false, "Include the per-layer relevance table")
	cmd.Flags().Bool("delta", false, "Include the per-example conservation delta")
	cmd.Flags().Float64("epsilon", 0, "Stabilizer for epsilon rules (0 keeps the default)")
	cmd.Flags().Bool("zero-bias", false, "Drop bias terms in weight-rewriting rules")
	cmd.Flags().StringP("output", "o", "", "Write the result to this file instead of stdout")
	cmd.Flags().BoolP("verbose", "v", false, "Log every rule application")

	return cmd
}

// parseAttributeFlags parses the attribute command flags
func parseAttributeFlags(cmd *cobra.Command) (*attributeOptions, error) {
	opts := &attributeOptions{}
	var err error

	if opts.Model, err = cmd.Flags().GetString("model"); err != nil {
		return nil, fmt.Errorf("failed to get model flag: %w", err)
	}
	if opts.Input, err = cmd.Flags().GetString("input"); err != nil {
		return nil, fmt.Errorf("failed to get input flag: %w", err)
	}
	if opts.Target, err = cmd.Flags().GetInt("target"); err != nil {
		return nil, fmt.Errorf("failed to get target flag: %w", err)
	}
	opts.TargetSet = cmd.Flags().Changed("target")
	if opts.AllLayers, err = cmd.Flags().GetBool("all-layers"); err != nil {
		return nil, fmt.Errorf("failed to get all-layers flag: %w", err)
	}
	if opts.Delta, err = cmd.Flags().GetBool("delta"); err != nil {
		return nil, fmt.Errorf("failed to get delta flag: %w", err)
	}
	if opts.Epsilon, err = cmd.Flags().GetFloat64("epsilon"); err != nil {
		return nil, fmt.Errorf("failed to get epsilon flag: %w", err)
	}
	if opts.ZeroBias, err = cmd.Flags().GetBool("zero-bias"); err != nil {
		return nil, fmt.Errorf("failed to get zero-bias flag: %w", err)
	}
	if opts.Output, err = cmd.Flags().GetString("output"); err != nil {
		return nil, fmt.Errorf("failed to get output flag: %w", err)
	}
	if opts.Verbose, err = cmd.Flags().GetBool("verbose"); err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}

	if opts.Model == "" {
		return nil, fmt.Errorf("no manifest specified. Use: relprop attribute --model <manifest> --input <tensors>")
	}
	if opts.Input == "" {
		return nil, fmt.Errorf("no input specified. Use: relprop attribute --model <manifest> --input <tensors>")
	}

	return opts, nil
}

// runAttribute is the main entry point for the attribute command
func runAttribute(cmd *cobra.Command, args []string) error {
	opts, err := parseAttributeFlags(cmd)
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{Level: "info", Format: "text"})

	manifest, err := model.Load(opts.Model)
	if err != nil {
		return err
	}
	net, err := manifest.Build()
	if err != nil {
		return err
	}

	inputs, err := readInputs(opts.Input)
	if err != nil {
		return err
	}

	var engineOpts []lrp.Option
	if opts.Epsilon > 0 {
		engineOpts = append(engineOpts, lrp.WithEpsilon(opts.Epsilon))
	}
	if opts.ZeroBias {
		engineOpts = append(engineOpts, lrp.WithZeroBias(true))
	}
	engine := lrp.New(net, engineOpts...)

	req := lrp.Request{
		Inputs:      inputs,
		AllLayers:   opts.AllLayers,
		ReturnDelta: opts.Delta,
		Verbose:     opts.Verbose,
	}
	if opts.TargetSet {
		req.Target = lrp.Index(opts.Target)
	}

	res, err := engine.Attribute(cmd.Context(), req)
	if err != nil {
		return err
	}

	return writeResult(cmd, opts, manifest.Name, res)
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show a manifest's layers and the rules they would receive",
		RunE:  runInspect,
	}
	cmd.Flags().StringP("model", "m", "", "Path to the network manifest (YAML or JSON)")
	return cmd
}

// runInspect is the main entry point for the inspect command
func runInspect(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("model")
	if err != nil {
		return fmt.Errorf("failed to get model flag: %w", err)
	}
	if path == "" {
		return fmt.Errorf("no manifest specified. Use: relprop inspect --model <manifest>")
	}

	manifest, err := model.Load(path)
	if err != nil {
		return err
	}
	if _, err := manifest.Build(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	name := manifest.Name
	if name == "" {
		name = path
	}
	fmt.Fprintf(w, "model: %s (%d layers)\n\n", name, len(manifest.Layers))
	fmt.Fprintf(w, "%-4s %-20s %-14s %s\n", "POS", "KIND", "RULE", "SHAPE")
	for i, spec := range manifest.Layers {
		rule := lrp.DefaultRuleName(nn.LayerKind(spec.Kind))
		if rule == "" {
			rule = "(skipped)"
		}
		fmt.Fprintf(w, "%-4d %-20s %-14s %s\n", i, spec.Kind, rule, describeSpec(spec))
	}
	return nil
}

// describeSpec renders the distinguishing hyperparameters of one layer
func describeSpec(spec model.LayerSpec) string {
	switch nn.LayerKind(spec.Kind) {
	case nn.KindLinear:
		return fmt.Sprintf("%d -> %d", spec.In, spec.Out)
	case nn.KindConv2D:
		s := fmt.Sprintf("%d -> %d, kernel %d", spec.InChannels, spec.OutChannels, spec.Kernel)
		if spec.Stride > 0 {
			s += fmt.Sprintf(", stride %d", spec.Stride)
		}
		if spec.Padding > 0 {
			s += fmt.Sprintf(", padding %d", spec.Padding)
		}
		return s
	case nn.KindMaxPool2D, nn.KindAvgPool2D:
		s := fmt.Sprintf("kernel %d", spec.Kernel)
		if spec.Stride > 0 {
			s += fmt.Sprintf(", stride %d", spec.Stride)
		}
		return s
	case nn.KindAdaptiveAvgPool2D:
		return fmt.Sprintf("output %dx%d", spec.OutH, spec.OutW)
	case nn.KindBatchNorm2D:
		return fmt.Sprintf("%d features", spec.Features)
	case nn.KindDropout:
		return fmt.Sprintf("p=%g", spec.P)
	default:
		return ""
	}
}

// readInputs reads a JSON tensor document: either a single tensor object
// or a list of them for multi-input models.
func readInputs(path string) ([]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}

	var payloads []service.TensorPayload
	if err := json.Unmarshal(data, &payloads); err != nil {
		var single service.TensorPayload
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("input document %s is neither a tensor nor a tensor list", path)
		}
		payloads = []service.TensorPayload{single}
	}

	inputs := make([]*tensor.Tensor, len(payloads))
	for i, p := range payloads {
		t, err := p.Tensor()
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		inputs[i] = t
	}
	return inputs, nil
}

// writeResult marshals the attribution result to the output file or stdout
func writeResult(cmd *cobra.Command, opts *attributeOptions, modelName string, res *lrp.Result) error {
	out := service.AttributeResponse{Model: modelName}
	for _, v := range res.Values {
		out.Values = append(out.Values, service.TensorPayload{Shape: v.Shape, Data: v.Data})
	}
	if opts.AllLayers {
		for _, l := range res.Layers {
			out.Layers = append(out.Layers, service.TensorPayload{Shape: l.Shape, Data: l.Data})
		}
	}
	if opts.Delta {
		out.Delta = res.Delta
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	payload = append(payload, '\n')

	if opts.Output != "" {
		return os.WriteFile(opts.Output, payload, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(payload)
	return err
}
