// Package vm provides a VictoriaMetrics-based implementation of
// types.MetricsCollector.
//
// This package is in contrib because it pulls in the VictoriaMetrics
// client; the core module only depends on the MetricsCollector
// interface.
package vm
