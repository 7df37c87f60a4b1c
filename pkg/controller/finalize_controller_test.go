package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/event"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
	"github.com/GoogleCloudPlatform/finalize-runner/pkg/runner"
)

const testOperator = "widgets.example.com/cleanup"

// MockResourceClient records every patch it is asked to apply.
type MockResourceClient struct {
	mu        sync.Mutex
	Patches   []modelv1.Patch
	PatchFunc func(ctx context.Context, gvk schema.GroupVersionKind, id modelv1.ObjectID, patch modelv1.Patch) error
}

func (m *MockResourceClient) PatchResource(ctx context.Context, gvk schema.GroupVersionKind, id modelv1.ObjectID, patch modelv1.Patch) error {
	m.mu.Lock()
	m.Patches = append(m.Patches, patch)
	m.mu.Unlock()
	if m.PatchFunc != nil {
		return m.PatchFunc(ctx, gvk, id, patch)
	}
	return nil
}

func (m *MockResourceClient) recorded() []modelv1.Patch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]modelv1.Patch(nil), m.Patches...)
}

func newParent(name string, finalizers []string, deleting bool, gvk schema.GroupVersionKind) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{}}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace("default")
	obj.SetName(name)
	obj.SetFinalizers(finalizers)
	if deleting {
		now := metav1.Now()
		obj.SetDeletionTimestamp(&now)
	}
	return obj
}

var _ = Describe("FinalizeReconciler", func() {
	var (
		reconciler    *FinalizeReconciler
		mockResClient *MockResourceClient
		recorder      *record.FakeRecorder
		scheme        *runtime.Scheme
		dispatched    []runner.SyncHandler
		ctx           context.Context

		parentGVK = schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}
		req       = ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: "my-widget"}}
		key       = runner.IndexKeyFor(parentGVK, modelv1.ObjectID{Namespace: "default", Name: "my-widget"})
	)

	build := func(objs ...client.Object) {
		fakeK8sClient := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
		reconciler = &FinalizeReconciler{
			Client:         fakeK8sClient,
			ResourceClient: mockResClient,
			Recorder:       recorder,
			Config: &runner.RuntimeConfig{
				OperatorName: testOperator,
				ParentType:   parentGVK,
			},
			Handler: modelv1.HandlerFunc(func(context.Context, modelv1.SyncRequest) (modelv1.FinalizeResponse, error) {
				return modelv1.Finalized(nil), nil
			}),
			dispatch: func(_ context.Context, h runner.SyncHandler) {
				dispatched = append(dispatched, h)
			},
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		scheme = runtime.NewScheme()
		scheme.AddKnownTypeWithName(parentGVK, &unstructured.Unstructured{})
		scheme.AddKnownTypeWithName(parentGVK.GroupVersion().WithKind("WidgetList"), &unstructured.UnstructuredList{})
		mockResClient = &MockResourceClient{}
		recorder = record.NewFakeRecorder(20)
		dispatched = nil
	})

	Context("live parents", func() {
		It("adds the finalizer when it is missing", func() {
			build(newParent("my-widget", []string{"other.io/keep"}, false, parentGVK))

			result, err := reconciler.Reconcile(ctx, req)

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))
			Expect(mockResClient.Patches).To(HaveLen(1))
			Expect(string(mockResClient.Patches[0].Body)).To(MatchJSON(`[{"op":"add","path":"/metadata/finalizers/-","value":"widgets.example.com/cleanup"}]`))
			Expect(recorder.Events).To(Receive(ContainSubstring(FinalizerAddedEvent)))
			Expect(dispatched).To(BeEmpty())
		})

		It("leaves a parent that already holds the finalizer alone", func() {
			build(newParent("my-widget", []string{testOperator}, false, parentGVK))

			_, err := reconciler.Reconcile(ctx, req)

			Expect(err).NotTo(HaveOccurred())
			Expect(mockResClient.Patches).To(BeEmpty())
			Expect(dispatched).To(BeEmpty())
		})

		It("returns the error when the finalizer cannot be added", func() {
			build(newParent("my-widget", nil, false, parentGVK))
			mockResClient.PatchFunc = func(context.Context, schema.GroupVersionKind, modelv1.ObjectID, modelv1.Patch) error {
				return errors.New("forbidden")
			}

			_, err := reconciler.Reconcile(ctx, req)

			Expect(err).To(MatchError(ContainSubstring("forbidden")))
			Expect(recorder.Events).To(Receive(ContainSubstring(FinalizerAddFailedEvent)))
		})
	})

	Context("parents being deleted", func() {
		It("dispatches one finalize attempt per parent", func() {
			build(newParent("my-widget", []string{testOperator}, true, parentGVK))

			_, err := reconciler.Reconcile(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			_, err = reconciler.Reconcile(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatched).To(HaveLen(1))
			h := dispatched[0]
			Expect(h.IndexKey).To(Equal(key))
			Expect(h.Request.Parent.GetName()).To(Equal("my-widget"))
			Expect(h.Sender).To(BeIdenticalTo(reconciler.Sender))
			Expect(h.Config).To(BeIdenticalTo(reconciler.Config))
			Expect(recorder.Events).To(Receive(ContainSubstring(FinalizeStartedEvent)))
		})

		It("does nothing once the finalizer is gone", func() {
			build(newParent("my-widget", []string{"other.io/keep"}, true, parentGVK))

			_, err := reconciler.Reconcile(ctx, req)

			Expect(err).NotTo(HaveOccurred())
			Expect(dispatched).To(BeEmpty())
			Expect(mockResClient.Patches).To(BeEmpty())
		})

		It("dispatches again after a retry completion", func() {
			build(newParent("my-widget", []string{testOperator}, true, parentGVK))
			_, err := reconciler.Reconcile(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			reconciler.handleCompletion(ctx, logr.Discard(), runner.NewCompletionMessage(parentGVK, modelv1.ObjectID{Namespace: "default", Name: "my-widget"}, &key, runner.UpdateResult{Retry: ptr.To(5 * time.Second)}))

			var requeued event.GenericEvent
			Expect(reconciler.requeue).To(Receive(&requeued))
			Expect(requeued.Object.GetName()).To(Equal("my-widget"))
			Expect(requeued.Object.GetNamespace()).To(Equal("default"))
			Expect(recorder.Events).To(Receive(ContainSubstring(FinalizeStartedEvent)))
			Expect(recorder.Events).To(Receive(ContainSubstring(FinalizeRetryEvent)))

			_, err = reconciler.Reconcile(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(dispatched).To(HaveLen(2))
		})

		It("backs off through the workqueue after a failed attempt", func() {
			build(newParent("my-widget", []string{testOperator}, true, parentGVK))
			_, err := reconciler.Reconcile(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			reconciler.handleCompletion(ctx, logr.Discard(), runner.NewCompletionMessage(parentGVK, modelv1.ObjectID{Namespace: "default", Name: "my-widget"}, &key, runner.UpdateResult{Failed: true}))
			Expect(reconciler.requeue).To(HaveLen(1))

			_, err = reconciler.Reconcile(ctx, req)
			Expect(err).To(MatchError(errFinalizeFailed))
			Expect(dispatched).To(HaveLen(1))

			_, err = reconciler.Reconcile(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(dispatched).To(HaveLen(2))
		})

		It("does not requeue a finalized parent", func() {
			build(newParent("my-widget", []string{testOperator}, true, parentGVK))
			_, err := reconciler.Reconcile(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			reconciler.handleCompletion(ctx, logr.Discard(), runner.NewCompletionMessage(parentGVK, modelv1.ObjectID{Namespace: "default", Name: "my-widget"}, &key, runner.UpdateResult{}))

			Expect(reconciler.requeue).To(BeEmpty())
			reconciler.mu.Lock()
			Expect(reconciler.inFlight).NotTo(HaveKey(key))
			reconciler.mu.Unlock()
		})
	})

	Context("reading the latest parent", func() {
		It("hands the handler the API server's copy instead of the cached one", func() {
			cached := newParent("my-widget", []string{testOperator}, true, parentGVK)
			cached.Object["status"] = map[string]interface{}{"cleanup": map[string]interface{}{"deletedObjects": int64(2)}}
			build(cached)
			latest := newParent("my-widget", []string{testOperator}, true, parentGVK)
			latest.Object["status"] = map[string]interface{}{"cleanup": map[string]interface{}{"deletedObjects": int64(4)}}
			reconciler.APIReader = fake.NewClientBuilder().WithScheme(scheme).WithObjects(latest).Build()

			_, err := reconciler.Reconcile(ctx, req)

			Expect(err).NotTo(HaveOccurred())
			Expect(dispatched).To(HaveLen(1))
			Expect(dispatched[0].Request.Parent.Status()).To(HaveKeyWithValue("cleanup", HaveKeyWithValue("deletedObjects", BeNumerically("==", 4))))
		})

		It("skips the attempt when the latest parent no longer holds the finalizer", func() {
			build(newParent("my-widget", []string{testOperator}, true, parentGVK))
			reconciler.APIReader = fake.NewClientBuilder().WithScheme(scheme).
				WithObjects(newParent("my-widget", []string{"other.io/keep"}, true, parentGVK)).Build()

			_, err := reconciler.Reconcile(ctx, req)

			Expect(err).NotTo(HaveOccurred())
			Expect(dispatched).To(BeEmpty())
			reconciler.mu.Lock()
			Expect(reconciler.inFlight).NotTo(HaveKey(key))
			reconciler.mu.Unlock()
		})

		It("skips the attempt when the parent is already gone from the API server", func() {
			build(newParent("my-widget", []string{testOperator}, true, parentGVK))
			reconciler.APIReader = fake.NewClientBuilder().WithScheme(scheme).Build()

			_, err := reconciler.Reconcile(ctx, req)

			Expect(err).NotTo(HaveOccurred())
			Expect(dispatched).To(BeEmpty())
		})
	})

	It("runs attempts on the completion loop's context, not the request's", func() {
		build(newParent("my-widget", []string{testOperator}, true, parentGVK))
		var attemptCtx context.Context
		reconciler.dispatch = func(ctx context.Context, _ runner.SyncHandler) {
			attemptCtx = ctx
		}

		loopCtx, stopLoop := context.WithCancel(ctx)
		defer stopLoop()
		loopDone := make(chan error, 1)
		reconciler.init()
		go func() { loopDone <- reconciler.Start(loopCtx) }()
		Eventually(func() bool {
			reconciler.mu.Lock()
			defer reconciler.mu.Unlock()
			return reconciler.loopCtx != nil
		}).Should(BeTrue())

		reqCtx, endRequest := context.WithCancel(ctx)
		_, err := reconciler.Reconcile(reqCtx, req)
		Expect(err).NotTo(HaveOccurred())
		endRequest()

		Expect(attemptCtx).NotTo(BeNil())
		Expect(attemptCtx.Err()).NotTo(HaveOccurred())

		stopLoop()
		Eventually(attemptCtx.Done()).Should(BeClosed())
		Eventually(loopDone).Should(Receive(BeNil()))
	})

	It("ignores parents that no longer exist", func() {
		build()

		result, err := reconciler.Reconcile(ctx, req)

		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(ctrl.Result{}))
		Expect(dispatched).To(BeEmpty())
	})

	It("runs a real finalize attempt through the completion loop", func() {
		build(newParent("my-widget", []string{testOperator}, true, parentGVK))
		reconciler.dispatch = func(ctx context.Context, h runner.SyncHandler) {
			go runner.HandleFinalize(ctx, h)
		}

		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		loopDone := make(chan error, 1)
		reconciler.init()
		go func() { loopDone <- reconciler.Start(loopCtx) }()

		_, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		Eventually(recorder.Events).Should(Receive(ContainSubstring(FinalizedEvent)))
		patchesSent := mockResClient.recorded()
		Expect(patchesSent).To(HaveLen(1))
		Expect(string(patchesSent[0].Body)).To(MatchJSON(`[{"op":"test","path":"/metadata/finalizers/0","value":"widgets.example.com/cleanup"},{"op":"remove","path":"/metadata/finalizers/0"}]`))

		cancel()
		Eventually(loopDone).Should(Receive(BeNil()))
		Expect(reconciler.Sender.Send(ctx, runner.ResourceMessage{})).To(MatchError(runner.ErrSenderClosed))
	})
})
