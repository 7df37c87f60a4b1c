// controller/finalize_controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/source"

	modelv1 "github.com/GoogleCloudPlatform/finalize-runner/pkg/api/v1"
	patches "github.com/GoogleCloudPlatform/finalize-runner/pkg/client"
	"github.com/GoogleCloudPlatform/finalize-runner/pkg/runner"
)

const (
	FinalizerAddedEvent     = "FinalizerAdded"
	FinalizerAddFailedEvent = "FinalizerAddFailed"
	FinalizeStartedEvent    = "FinalizeStarted"
	FinalizeRetryEvent      = "FinalizeRetry"
	FinalizeFailedEvent     = "FinalizeFailed"
	FinalizedEvent          = "Finalized"
)

// requeueBuffer bounds how many completion-triggered reconciles may be
// pending before the completion loop blocks.
const requeueBuffer = 128

var errFinalizeFailed = errors.New("previous finalize attempt failed")

// FinalizeReconciler watches parents of Config.ParentType. Live parents get
// the operator's finalizer; parents being deleted are handed to the finalize
// runner, at most one attempt per parent at a time.
type FinalizeReconciler struct {
	Client         client.Client
	// APIReader, when set, re-reads a parent straight from the API server
	// before an attempt so the handler never sees a status older than the
	// one the previous attempt wrote.
	APIReader      client.Reader
	ResourceClient modelv1.ResourceClientInterface
	Recorder       record.EventRecorder
	Config         *runner.RuntimeConfig
	Handler        modelv1.Handler
	Executor       *runner.Executor
	Sender         *runner.Sender

	initOnce sync.Once
	mu       sync.Mutex
	inFlight map[runner.IndexKey]struct{}
	failed   map[runner.IndexKey]struct{}
	requeue  chan event.GenericEvent
	// loopCtx is the completion loop's context. Attempts run on it so they
	// outlive the Reconcile call that dispatched them.
	loopCtx  context.Context

	// dispatch starts an attempt. Tests replace it.
	dispatch func(ctx context.Context, h runner.SyncHandler)
}

func (r *FinalizeReconciler) init() {
	r.initOnce.Do(func() {
		r.inFlight = map[runner.IndexKey]struct{}{}
		r.failed = map[runner.IndexKey]struct{}{}
		r.requeue = make(chan event.GenericEvent, requeueBuffer)
		if r.Sender == nil {
			r.Sender = runner.NewSender(requeueBuffer)
		}
		if r.Executor == nil {
			r.Executor = runner.NewExecutor(0)
		}
		if r.dispatch == nil {
			r.dispatch = func(ctx context.Context, h runner.SyncHandler) {
				go runner.HandleFinalize(ctx, h)
			}
		}
	})
}

// SetupWithManager registers the controller and its completion loop.
func (r *FinalizeReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.init()
	objectToWatch := r.createEmptyObject()
	if objectToWatch.GetKind() == "" {
		return fmt.Errorf("parent kind is not set for %v", r.Config.ParentType)
	}
	if err := mgr.Add(r); err != nil {
		return fmt.Errorf("unable to add completion loop: %w", err)
	}
	return ctrl.NewControllerManagedBy(mgr).
		Named(strings.ToLower(r.Config.ParentType.Kind) + "-finalizer").
		For(objectToWatch).
		WatchesRawSource(source.Channel(r.requeue, &handler.EnqueueRequestForObject{})).
		Complete(r)
}

func (r *FinalizeReconciler) createEmptyObject() *unstructured.Unstructured {
	target := &unstructured.Unstructured{}
	target.SetGroupVersionKind(r.Config.ParentType)
	return target
}

func (r *FinalizeReconciler) fetchTarget(ctx context.Context, req ctrl.Request) (*unstructured.Unstructured, error) {
	target := r.createEmptyObject()
	if err := r.Client.Get(ctx, req.NamespacedName, target); err != nil {
		return nil, err
	}
	return target, nil
}

func (r *FinalizeReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	r.init()
	log := log.FromContext(ctx).WithValues("namespace", req.Namespace, "name", req.Name, "controller", r.Config.ParentType.Kind)
	id := modelv1.ObjectID{Namespace: req.Namespace, Name: req.Name}
	key := runner.IndexKeyFor(r.Config.ParentType, id)

	target, err := r.fetchTarget(ctx, req)
	if err != nil {
		if apierrors.IsNotFound(err) {
			log.V(1).Info("Parent not found, likely deleted")
			r.forget(key)
			return ctrl.Result{}, nil
		}
		log.Error(err, "Failed to fetch parent")
		return ctrl.Result{}, fmt.Errorf("failed to fetch parent: %w", err)
	}
	parent := modelv1.NewK8sResource(target)

	if target.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, r.ensureFinalizer(ctx, log, parent)
	}

	if !parent.HasFinalizer(r.Config.FinalizerName()) {
		log.V(1).Info("Parent is being deleted and no longer holds our finalizer")
		r.forget(key)
		return ctrl.Result{}, nil
	}

	r.mu.Lock()
	if _, busy := r.inFlight[key]; busy {
		r.mu.Unlock()
		log.V(1).Info("Finalize attempt already in flight")
		return ctrl.Result{}, nil
	}
	if _, lastFailed := r.failed[key]; lastFailed {
		// Handing the error to the workqueue gets the retry its rate limited
		// backoff; the next pass dispatches again.
		delete(r.failed, key)
		r.mu.Unlock()
		return ctrl.Result{}, errFinalizeFailed
	}
	r.mu.Unlock()

	if r.APIReader != nil {
		fresh, err := r.readLatest(ctx, req)
		if err != nil {
			if apierrors.IsNotFound(err) {
				log.V(1).Info("Parent disappeared before dispatch")
				r.forget(key)
				return ctrl.Result{}, nil
			}
			log.Error(err, "Failed to read latest parent")
			return ctrl.Result{}, fmt.Errorf("failed to read latest parent: %w", err)
		}
		target = fresh
		parent = modelv1.NewK8sResource(target)
		if !parent.HasFinalizer(r.Config.FinalizerName()) {
			log.V(1).Info("Latest parent no longer holds our finalizer")
			r.forget(key)
			return ctrl.Result{}, nil
		}
	}

	r.mu.Lock()
	r.inFlight[key] = struct{}{}
	r.mu.Unlock()

	log.Info("Dispatching finalize attempt")
	r.recordEvent(target, corev1.EventTypeNormal, FinalizeStartedEvent, "Started finalizing %s %s", target.GetKind(), target.GetName())
	r.dispatch(r.attemptContext(ctx), runner.SyncHandler{
		Sender:   r.Sender,
		Request:  modelv1.SyncRequest{Parent: parent},
		Handler:  r.Handler,
		Client:   r.ResourceClient,
		Config:   r.Config,
		Executor: r.Executor,
		IndexKey: key,
	})
	return ctrl.Result{}, nil
}

func (r *FinalizeReconciler) readLatest(ctx context.Context, req ctrl.Request) (*unstructured.Unstructured, error) {
	target := r.createEmptyObject()
	if err := r.APIReader.Get(ctx, req.NamespacedName, target); err != nil {
		return nil, err
	}
	return target, nil
}

// attemptContext carries the request logger over to the completion loop's
// context. Before the loop starts it falls back to ctx.
func (r *FinalizeReconciler) attemptContext(ctx context.Context) context.Context {
	r.mu.Lock()
	base := r.loopCtx
	r.mu.Unlock()
	if base == nil {
		return ctx
	}
	return log.IntoContext(base, log.FromContext(ctx))
}

func (r *FinalizeReconciler) ensureFinalizer(ctx context.Context, log logr.Logger, parent modelv1.K8sResource) error {
	finalizer := r.Config.FinalizerName()
	if parent.HasFinalizer(finalizer) {
		return nil
	}
	patch, err := patches.AddFinalizer(parent, finalizer)
	if err != nil {
		return err
	}
	if err := r.ResourceClient.PatchResource(ctx, r.Config.ParentType, parent.ObjectID(), patch); err != nil {
		log.Error(err, "Failed to add finalizer", "finalizer", finalizer)
		r.recordEvent(&parent.Unstructured, corev1.EventTypeWarning, FinalizerAddFailedEvent, "Failed to add finalizer %s: %v", finalizer, err)
		return fmt.Errorf("failed to add finalizer: %w", err)
	}
	log.Info("Added finalizer", "finalizer", finalizer)
	r.recordEvent(&parent.Unstructured, corev1.EventTypeNormal, FinalizerAddedEvent, "Added finalizer %s", finalizer)
	return nil
}

func (r *FinalizeReconciler) forget(key runner.IndexKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failed, key)
}

// Start drains completion events until ctx ends. It implements
// manager.Runnable.
func (r *FinalizeReconciler) Start(ctx context.Context) error {
	r.init()
	log := log.FromContext(ctx).WithName("finalize-completions")
	r.mu.Lock()
	r.loopCtx = ctx
	r.mu.Unlock()
	defer r.Sender.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.Sender.Events():
			r.handleCompletion(ctx, log, msg)
		}
	}
}

func (r *FinalizeReconciler) handleCompletion(ctx context.Context, log logr.Logger, msg runner.ResourceMessage) {
	if msg.EventType != runner.UpdateOperationComplete {
		return
	}
	key := runner.IndexKeyFor(msg.ResourceType, msg.ResourceID)
	if msg.IndexKey != nil {
		key = *msg.IndexKey
	}

	r.mu.Lock()
	delete(r.inFlight, key)
	if msg.Result.Failed {
		r.failed[key] = struct{}{}
	}
	r.mu.Unlock()

	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(msg.ResourceType)
	obj.SetNamespace(msg.ResourceID.Namespace)
	obj.SetName(msg.ResourceID.Name)

	log = log.WithValues("parent", msg.ResourceID.String(), "result", msg.Result.String())
	switch {
	case msg.Result.Failed:
		log.Info("Finalize attempt failed, scheduling another")
		r.recordEvent(obj, corev1.EventTypeWarning, FinalizeFailedEvent, "Finalizing %s %s failed", obj.GetKind(), obj.GetName())
	case msg.Result.Retry != nil:
		log.Info("Parent not finalized yet, scheduling another attempt")
		r.recordEvent(obj, corev1.EventTypeNormal, FinalizeRetryEvent, "Finalizing %s %s is still in progress, retried after %s", obj.GetKind(), obj.GetName(), msg.Result.Retry.String())
	default:
		log.Info("Parent finalized")
		r.recordEvent(obj, corev1.EventTypeNormal, FinalizedEvent, "Removed finalizer %s from %s %s", r.Config.FinalizerName(), obj.GetKind(), obj.GetName())
		return
	}

	select {
	case r.requeue <- event.GenericEvent{Object: obj}:
	case <-ctx.Done():
	}
}

func (r *FinalizeReconciler) recordEvent(obj *unstructured.Unstructured, eventType, reason, messageFmt string, args ...interface{}) {
	if r.Recorder == nil {
		return
	}
	r.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}
