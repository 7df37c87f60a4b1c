package client

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

// ResourceClient applies patches to arbitrary kinds through the dynamic
// client.
type ResourceClient struct {
	dynClient dynamic.Interface
	// mapper resolves kinds to resources. When nil the resource name is
	// guessed from the kind.
	mapper meta.RESTMapper
}

var _ modelv1.ResourceClientInterface = (*ResourceClient)(nil)

// NewResourceClient returns a client backed by dynClient. mapper may be nil.
func NewResourceClient(dynClient dynamic.Interface, mapper meta.RESTMapper) *ResourceClient {
	return &ResourceClient{dynClient: dynClient, mapper: mapper}
}

func (rc *ResourceClient) resourceFor(gvk schema.GroupVersionKind) (schema.GroupVersionResource, error) {
	if rc.mapper == nil {
		gvr, _ := meta.UnsafeGuessKindToResource(gvk)
		return gvr, nil
	}
	mapping, err := rc.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return schema.GroupVersionResource{}, fmt.Errorf("unable to map %s to a resource: %w", gvk.String(), err)
	}
	return mapping.Resource, nil
}

// PatchResource applies patch to the object of kind gvk identified by id.
func (rc *ResourceClient) PatchResource(ctx context.Context, gvk schema.GroupVersionKind, id modelv1.ObjectID, patch modelv1.Patch) error {
	gvr, err := rc.resourceFor(gvk)
	if err != nil {
		return err
	}

	var resource dynamic.ResourceInterface = rc.dynClient.Resource(gvr)
	if id.Namespace != "" {
		resource = rc.dynClient.Resource(gvr).Namespace(id.Namespace)
	}

	var subresources []string
	if patch.Subresource != "" {
		subresources = append(subresources, patch.Subresource)
	}
	if _, err := resource.Patch(ctx, id.Name, patch.Type, patch.Body, metav1.PatchOptions{}, subresources...); err != nil {
		return fmt.Errorf("error patching %s %s: %w", gvk.String(), id, err)
	}
	return nil
}
