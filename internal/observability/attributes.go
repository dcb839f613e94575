// Package observability provides the service's OpenTelemetry metrics,
// exported in Prometheus format.
package observability

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Step outcomes
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

var (
	keyMethod  = attribute.Key("method")
	keyRoute   = attribute.Key("route")
	keyStatus  = attribute.Key("status")
	keyStage   = attribute.Key("stage")
	keyStep    = attribute.Key("step")
	keyOutcome = attribute.Key("outcome")
	keySuccess = attribute.Key("success")
)

func methodAttr(method string) attribute.KeyValue { return keyMethod.String(method) }

// routeAttr labels by mux pattern; an empty route means nothing matched.
func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = "unmatched"
	}
	return keyRoute.String(route)
}

// statusAttr groups codes by class (2xx, 4xx, 5xx).
func statusAttr(code int) attribute.KeyValue {
	return keyStatus.String(strconv.Itoa(code/100) + "xx")
}

func stageAttr(stage string) attribute.KeyValue     { return keyStage.String(stage) }
func stepAttr(step string) attribute.KeyValue       { return keyStep.String(step) }
func outcomeAttr(outcome string) attribute.KeyValue { return keyOutcome.String(outcome) }
func successAttr(success bool) attribute.KeyValue   { return keySuccess.Bool(success) }
