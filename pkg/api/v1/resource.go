/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	"fmt"
	"slices"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
)

// ObjectID identifies a namespaced (or cluster scoped, with an empty
// Namespace) object of a known kind.
type ObjectID struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (id ObjectID) String() string {
	if id.Namespace == "" {
		return id.Name
	}
	return fmt.Sprintf("%s/%s", id.Namespace, id.Name)
}

// NamespacedName converts the id into the form controller-runtime expects.
func (id ObjectID) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: id.Namespace, Name: id.Name}
}

// K8sResource is a parent object as seen by the finalize runner. The
// embedded Unstructured carries the kind, metadata and status.
type K8sResource struct {
	unstructured.Unstructured
}

// NewK8sResource wraps obj. The object is not copied.
func NewK8sResource(obj *unstructured.Unstructured) K8sResource {
	if obj == nil {
		return K8sResource{}
	}
	return K8sResource{Unstructured: *obj}
}

func (r K8sResource) ObjectID() ObjectID {
	return ObjectID{Namespace: r.GetNamespace(), Name: r.GetName()}
}

// HasFinalizer reports whether finalizer is present on the resource.
func (r K8sResource) HasFinalizer(finalizer string) bool {
	return slices.Contains(r.GetFinalizers(), finalizer)
}

// Status returns the status map, or nil when the resource has none.
func (r K8sResource) Status() map[string]interface{} {
	status, found, err := unstructured.NestedMap(r.Object, "status")
	if err != nil || !found {
		return nil
	}
	return status
}

// DeepCopyResource returns a copy that shares no memory with r.
func (r K8sResource) DeepCopyResource() K8sResource {
	return K8sResource{Unstructured: *r.Unstructured.DeepCopy()}
}
