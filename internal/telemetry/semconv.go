// Package telemetry provides semantic conventions for shopstream observability.
package telemetry

import (
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for shopstream-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters with the push-channel event classification.
	AttrEventType = attribute.Key("event.type")
	// AttrProductID labels inventory metrics with the product concerned.
	AttrProductID = attribute.Key("product.id")
	// AttrOperation differentiates specific operations (ledger.decrement, hub.publish, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrCartMode labels cart metrics with the session mode (guest/authenticated).
	AttrCartMode = attribute.Key("cart.mode")
	// AttrConnectionState labels channel lifecycle signals (connecting, open, closed).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
)

var globalEnvironment atomic.Value

// SetEnvironment records the deployment environment used in metric labels.
func SetEnvironment(env string) {
	globalEnvironment.Store(env)
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if v, ok := globalEnvironment.Load().(string); ok && v != "" {
		return v
	}
	return "development"
}

// EventAttributes returns attributes for push-event metrics.
func EventAttributes(environment, eventType string, productID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrProductID.Int64(productID),
	}
}

// OperationResultAttributes returns attributes for operation outcome metrics.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
