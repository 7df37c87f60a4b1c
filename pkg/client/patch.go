// Package client builds the patches the finalize runner issues and applies
// them through the dynamic client.
package client

import (
	"encoding/json"
	"fmt"
	"slices"

	"gomodules.xyz/jsonpatch/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

const (
	finalizersPath      = "/metadata/finalizers"
	resourceVersionPath = "/metadata/resourceVersion"
)

// RemoveFinalizer returns a JSON patch whose only effect is dropping
// finalizer from the parent's metadata.finalizers. The remove is guarded by a
// test on the same index, so a list that shifted since parent was read makes
// the patch fail instead of dropping another controller's entry. Entries added
// after the finalizer by other controllers survive. When the finalizer is
// already gone the patch is empty.
func RemoveFinalizer(parent modelv1.K8sResource, finalizer string) (modelv1.Patch, error) {
	idx := slices.Index(parent.GetFinalizers(), finalizer)
	if idx < 0 {
		return jsonPatch(parent)
	}
	path := fmt.Sprintf("%s/%d", finalizersPath, idx)
	return jsonPatch(parent,
		jsonpatch.NewOperation("test", path, finalizer),
		jsonpatch.NewOperation("remove", path, nil),
	)
}

// AddFinalizer is the inverse of RemoveFinalizer, used when a live parent is
// first seen. An existing list is appended to. A missing list is created only
// if the parent's resourceVersion still matches.
func AddFinalizer(parent modelv1.K8sResource, finalizer string) (modelv1.Patch, error) {
	finalizers := parent.GetFinalizers()
	if slices.Contains(finalizers, finalizer) {
		return jsonPatch(parent)
	}
	if len(finalizers) > 0 {
		return jsonPatch(parent, jsonpatch.NewOperation("add", finalizersPath+"/-", finalizer))
	}
	var ops []jsonpatch.Operation
	if rv := parent.GetResourceVersion(); rv != "" {
		ops = append(ops, jsonpatch.NewOperation("test", resourceVersionPath, rv))
	}
	ops = append(ops, jsonpatch.NewOperation("add", finalizersPath, []string{finalizer}))
	return jsonPatch(parent, ops...)
}

// ReplaceStatus returns a merge patch against the status subresource that
// turns the parent's current status into status. Keys missing from status
// are removed.
func ReplaceStatus(parent modelv1.K8sResource, status map[string]interface{}) (modelv1.Patch, error) {
	original := parent.Unstructured.DeepCopy()
	modified := original.DeepCopy()
	// Assigned directly: status comes from handlers and may hold plain Go
	// numbers that unstructured's deep copy rejects. It is only marshalled.
	if status == nil {
		delete(modified.Object, "status")
	} else {
		modified.Object["status"] = status
	}
	return mergePatch(original, modified, modelv1.StatusSubresource)
}

func jsonPatch(parent modelv1.K8sResource, ops ...jsonpatch.Operation) (modelv1.Patch, error) {
	if ops == nil {
		ops = []jsonpatch.Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return modelv1.Patch{}, fmt.Errorf("failed to encode json patch for %s: %w", parent.ObjectID(), err)
	}
	return modelv1.Patch{
		Type: types.JSONPatchType,
		Body: data,
	}, nil
}

func mergePatch(original, modified *unstructured.Unstructured, subresource string) (modelv1.Patch, error) {
	data, err := ctrlclient.MergeFrom(original).Data(modified)
	if err != nil {
		return modelv1.Patch{}, fmt.Errorf("failed to compute merge patch for %s/%s: %w", original.GetNamespace(), original.GetName(), err)
	}
	return modelv1.Patch{
		Type:        types.MergePatchType,
		Subresource: subresource,
		Body:        data,
	}, nil
}
