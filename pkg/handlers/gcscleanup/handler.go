// Package gcscleanup implements a finalize handler that deletes the Cloud
// Storage objects a parent owns before its finalizer is released.
package gcscleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Masterminds/sprig/v3"
	template "github.com/google/safetext/yamltemplate"
	"google.golang.org/api/iterator"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/log"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
)

const (
	DefaultBatchSize  = 100
	DefaultRetryDelay = 5 * time.Second

	PhaseDeleting = "Deleting"
)

var errEmptyPrefix = errors.New("rendered object prefix is empty")

// Config describes where a parent's objects live.
type Config struct {
	Bucket string
	// PrefixTemplate is rendered against PrefixData for every parent.
	PrefixTemplate string
	BatchSize      int
	RetryDelay     time.Duration
}

// PrefixData is the data the prefix template is executed with.
type PrefixData struct {
	Namespace   string
	Name        string
	Kind        string
	Labels      map[string]string
	Annotations map[string]string
}

// Handler deletes up to BatchSize objects per attempt and asks to be called
// again while objects remain under the parent's prefix.
type Handler struct {
	client     *storage.Client
	bucket     string
	prefix     *template.Template
	batchSize  int
	retryDelay time.Duration
}

var _ modelv1.Handler = (*Handler)(nil)

func New(client *storage.Client, cfg Config) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is not initialized")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must be set")
	}
	prefix, err := template.New("prefix").Funcs(sprig.FuncMap()).Funcs(template.FuncMap{
		"trimSlashes": trimSlashes,
	}).Parse(cfg.PrefixTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prefix template: %w", err)
	}
	h := &Handler{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     prefix,
		batchSize:  cfg.BatchSize,
		retryDelay: cfg.RetryDelay,
	}
	if h.batchSize <= 0 {
		h.batchSize = DefaultBatchSize
	}
	if h.retryDelay <= 0 {
		h.retryDelay = DefaultRetryDelay
	}
	return h, nil
}

// Prefix renders the object prefix for parent.
func (h *Handler) Prefix(parent modelv1.K8sResource) (string, error) {
	builder := strings.Builder{}
	if err := h.prefix.Execute(&builder, PrefixData{
		Namespace:   parent.GetNamespace(),
		Name:        parent.GetName(),
		Kind:        parent.GetKind(),
		Labels:      parent.GetLabels(),
		Annotations: parent.GetAnnotations(),
	}); err != nil {
		return "", fmt.Errorf("failed to render prefix: %w", err)
	}
	prefix := strings.TrimLeft(strings.TrimSpace(builder.String()), "/")
	if prefix == "" {
		return "", errEmptyPrefix
	}
	return prefix, nil
}

func (h *Handler) Finalize(ctx context.Context, req modelv1.SyncRequest) (modelv1.FinalizeResponse, error) {
	logger := log.FromContext(ctx).WithValues("bucket", h.bucket)

	prefix, err := h.Prefix(req.Parent)
	if err != nil {
		return modelv1.FinalizeResponse{}, err
	}
	logger = logger.WithValues("prefix", prefix)

	bucket := h.client.Bucket(h.bucket)
	if _, err := bucket.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			return modelv1.FinalizeResponse{}, fmt.Errorf("bucket %s not found: %w", h.bucket, err)
		}
		return modelv1.FinalizeResponse{}, fmt.Errorf("failed to get attributes of bucket %s: %w", h.bucket, err)
	}

	names, more, err := h.nextBatch(ctx, bucket, prefix)
	if err != nil {
		return modelv1.FinalizeResponse{}, err
	}

	for _, name := range names {
		if err := bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return modelv1.FinalizeResponse{}, fmt.Errorf("failed to delete gs://%s/%s: %w", h.bucket, name, err)
		}
	}
	logger.V(1).Info("Deleted objects", "count", len(names), "more", more)

	if !more {
		return modelv1.Finalized(nil), nil
	}
	deleted := previouslyDeleted(req.Parent) + int64(len(names))
	return modelv1.RetryAfter(h.retryDelay, map[string]interface{}{
		"cleanup": map[string]interface{}{
			"phase":          PhaseDeleting,
			"prefix":         prefix,
			"deletedObjects": deleted,
		},
	}), nil
}

// nextBatch lists at most batchSize object names under prefix and reports
// whether more objects follow.
func (h *Handler) nextBatch(ctx context.Context, bucket *storage.BucketHandle, prefix string) ([]string, bool, error) {
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return names, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to iterate GCS objects: %w", err)
		}
		if len(names) == h.batchSize {
			return names, true, nil
		}
		names = append(names, attrs.Name)
	}
}

func previouslyDeleted(parent modelv1.K8sResource) int64 {
	if parent.Object == nil {
		return 0
	}
	v, found, err := unstructured.NestedFieldNoCopy(parent.Object, "status", "cleanup", "deletedObjects")
	if err != nil || !found {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func trimSlashes(s string) string {
	return strings.Trim(s, "/")
}
