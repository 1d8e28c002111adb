// Package telemetry wires OpenTelemetry exporters and meters for the
// attribution engine and its service surface.
//
// It centralises trace provider setup, applies service resource
// attributes, and offers recording helpers that attach run metadata to
// spans and metrics so operators can correlate attribution behaviour with
// model and input characteristics.
package telemetry
