// This file contains the interface definitions the finalize runner depends on,
// kept small for testability.
package v1

import (
	"context"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

// StatusSubresource is the Patch.Subresource value that targets the status
// subresource of an object.
const StatusSubresource = "status"

// Patch describes a partial update of a single object. Patches are built
// fresh for each call and are not retained by the client.
type Patch struct {
	Type types.PatchType
	// Subresource is empty for the main resource.
	Subresource string
	Body        []byte
}

// ResourceClientInterface applies patches to objects of a given kind.
// Implementations must be safe for concurrent use.
type ResourceClientInterface interface {
	PatchResource(ctx context.Context, gvk schema.GroupVersionKind, id ObjectID, patch Patch) error
}

// Compile-time check, kept next to the concrete type in pkg/client:
// var _ v1.ResourceClientInterface = (*ResourceClient)(nil)
