// Package runner drives parents that are being deleted through the
// finalization protocol and reports every attempt back to the controller.
package runner

import (
	"bytes"
	"encoding/json"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/clock"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

// RuntimeConfig is built once at startup and shared read-only by every
// finalize attempt.
type RuntimeConfig struct {
	// OperatorName doubles as the finalizer string the operator owns.
	OperatorName string
	// ParentType is the kind of the parent resources.
	ParentType schema.GroupVersionKind
	Metrics    Metrics
	// Clock drives retry delays. Defaults to the real clock.
	Clock clock.Clock
}

// FinalizerName returns the finalizer string the operator owns.
func (c *RuntimeConfig) FinalizerName() string {
	return c.OperatorName
}

func (c *RuntimeConfig) clock() clock.Clock {
	if c.Clock == nil {
		return clock.RealClock{}
	}
	return c.Clock
}

func (c *RuntimeConfig) metrics() Metrics {
	if c.Metrics == nil {
		return noopMetrics{}
	}
	return c.Metrics
}

// doesFinalizerExist reports whether the operator still holds its finalizer
// on parent. Absence means the parent was already finalized.
func doesFinalizerExist(parent modelv1.K8sResource, config *RuntimeConfig) bool {
	return parent.HasFinalizer(config.FinalizerName())
}

// statusIsDifferent compares the JSON encodings so that numeric types coming
// from handlers (int, float64) match the int64 values of decoded objects.
func statusIsDifferent(parent modelv1.K8sResource, status map[string]interface{}) bool {
	current, err := json.Marshal(parent.Status())
	if err != nil {
		return true
	}
	desired, err := json.Marshal(status)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, desired)
}
