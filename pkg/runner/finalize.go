package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
	"github.com/GoogleCloudPlatform/finalize-runner/pkg/client"
)

// SyncHandler is everything one finalize attempt needs. The controller
// builds a fresh bundle per attempt; Config, Handler, Client and Executor
// are shared across attempts.
type SyncHandler struct {
	Sender   EventSender
	Request  modelv1.SyncRequest
	Handler  modelv1.Handler
	Client   modelv1.ResourceClientInterface
	Config   *RuntimeConfig
	Executor *Executor
	IndexKey IndexKey
}

// HandleFinalize runs one finalize attempt for the parent in h.Request and
// always reports exactly one completion event to h.Sender. Failures are
// logged and counted here and never returned.
func HandleFinalize(ctx context.Context, h SyncHandler) {
	parentID := h.Request.Parent.ObjectID()
	parentType := h.Config.ParentType
	log := log.FromContext(ctx).WithValues("parent", parentID.String(), "parentKind", parentType.Kind)

	retry, err := getFinalizeResult(ctx, log, h)

	var result UpdateResult
	if err != nil {
		h.Config.metrics().ParentSyncError(parentType, parentID)
		log.Error(err, "Failed to finalize parent")
		result = UpdateResult{Failed: true}
	} else {
		log.V(1).Info("Finalize handler completed without error")
		result = UpdateResult{Retry: retry}
	}

	key := h.IndexKey
	reportCompletion(ctx, log, h.Sender, NewCompletionMessage(parentType, parentID, &key, result))
}

type finalizeOutcome struct {
	response modelv1.FinalizeResponse
	err      error
}

func getFinalizeResult(ctx context.Context, log logr.Logger, h SyncHandler) (*time.Duration, error) {
	parent := h.Request.Parent
	parentID := parent.ObjectID()
	if !doesFinalizerExist(parent, h.Config) {
		log.V(1).Info("Finalizer already removed, nothing to do", "finalizer", h.Config.FinalizerName())
		return nil, nil
	}

	clk := h.Config.clock()
	metrics := h.Config.metrics()
	// The handler gets its own copy of the request so nothing it does to the
	// object can leak back into the status comparison below.
	request := modelv1.SyncRequest{Parent: parent.DeepCopyResource()}

	outcome, err := Submit(ctx, h.Executor, func() finalizeOutcome {
		start := clk.Now()
		response, err := h.Handler.Finalize(ctx, request)
		elapsed := clk.Since(start)
		log.V(1).Info("Finished invoking handler", "durationMs", elapsed.Milliseconds())
		metrics.HandlerDuration(h.Config.ParentType, handlerOutcome(response, err), elapsed)
		return finalizeOutcome{response: response, err: err}
	})
	if err != nil {
		return nil, newUpdateError(IsolationError, parentID, err)
	}
	if outcome.err != nil {
		return nil, newUpdateError(HandlerError, parentID, outcome.err)
	}

	response := outcome.response
	if delay := response.Retry; delay != nil {
		log.Info("Handler response indicates that parent has not been finalized, will retry later", "retryAfter", delay.String())
		if err := updateStatusIfDifferent(ctx, log, parent, h.Client, h.Config, response.Status); err != nil {
			return nil, err
		}
		waitFor(ctx, clk, *delay)
		return delay, nil
	}

	log.Info("Handler response indicates that parent has been finalized")
	if err := removeFinalizer(ctx, h.Client, h.Config, parent); err != nil {
		return nil, err
	}
	return nil, nil
}

func handlerOutcome(response modelv1.FinalizeResponse, err error) string {
	switch {
	case err != nil:
		return OutcomeError
	case response.Retry != nil:
		return OutcomeRetry
	default:
		return OutcomeFinalized
	}
}

// waitFor suspends the current attempt only. It returns early if ctx ends.
func waitFor(ctx context.Context, clk clock.Clock, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-clk.After(d):
	case <-ctx.Done():
	}
}

func updateStatusIfDifferent(ctx context.Context, log logr.Logger, parent modelv1.K8sResource, c modelv1.ResourceClientInterface, config *RuntimeConfig, status map[string]interface{}) error {
	if status == nil {
		return nil
	}
	if !statusIsDifferent(parent, status) {
		log.V(1).Info("Parent status is already up-to-date")
		return nil
	}
	parentID := parent.ObjectID()
	patch, err := client.ReplaceStatus(parent, status)
	if err != nil {
		return newUpdateError(HandlerError, parentID, fmt.Errorf("handler returned an unusable status: %w", err))
	}
	if err := c.PatchResource(ctx, config.ParentType, parentID, patch); err != nil {
		return newUpdateError(TransportError, parentID, fmt.Errorf("failed to update status: %w", err))
	}
	log.V(1).Info("Updated parent status")
	return nil
}

func removeFinalizer(ctx context.Context, c modelv1.ResourceClientInterface, config *RuntimeConfig, parent modelv1.K8sResource) error {
	parentID := parent.ObjectID()
	patch, err := client.RemoveFinalizer(parent, config.FinalizerName())
	if err != nil {
		return newUpdateError(TransportError, parentID, err)
	}
	if err := c.PatchResource(ctx, config.ParentType, parentID, patch); err != nil {
		return newUpdateError(TransportError, parentID, fmt.Errorf("failed to remove finalizer %q: %w", config.FinalizerName(), err))
	}
	return nil
}
