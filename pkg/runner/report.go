package runner

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime/schema"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

// NewCompletionMessage stamps result with the parent's type, id and index key.
func NewCompletionMessage(gvk schema.GroupVersionKind, id modelv1.ObjectID, key *IndexKey, result UpdateResult) ResourceMessage {
	return ResourceMessage{
		EventType:    UpdateOperationComplete,
		Result:       result,
		ResourceType: gvk,
		ResourceID:   id,
		IndexKey:     key,
	}
}

// reportCompletion is best effort: a closed sender means the controller is
// shutting down and the message is dropped.
func reportCompletion(ctx context.Context, log logr.Logger, sender EventSender, msg ResourceMessage) {
	if sender == nil {
		return
	}
	if err := sender.Send(ctx, msg); err != nil {
		log.V(1).Info("Dropped completion event", "result", msg.Result.String(), "reason", err.Error())
	}
}
