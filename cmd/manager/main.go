package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/GoogleCloudPlatform/finalize-runner/pkg/client"
	"github.com/GoogleCloudPlatform/finalize-runner/pkg/controller"
	"github.com/GoogleCloudPlatform/finalize-runner/pkg/handlers/gcscleanup"
	"github.com/GoogleCloudPlatform/finalize-runner/pkg/runner"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/dynamic"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	k8szap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	//+kubebuilder:scaffold:imports
)

var (
	// The scheme that this operator will handle.
	scheme = runtime.NewScheme()
	// setupLog represents the logger that we use during the setup phase of the
	// manager.
	setupLog = ctrl.Log.WithName("setup")
	// The user agent string we will use in conjunction with REST requests.
	userAgent = "finalize-runner/0.1.0"
)

func main() {

	// Register schemas
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	if err := run(ctrl.SetupSignalHandler()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var leaderElectionNamespace string
	var enableHTTP2 bool
	var logEncoder string
	var watchNamespace string
	var operatorName string
	var parentGVK string
	var handlerWorkers int
	var gcsBucket string
	var gcsPrefixTemplate string
	var gcsBatchSize int
	var gcsRetryDelay time.Duration
	var gcsEndpoint string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager. Enabling this will ensure there is only one active controller manager.")
	flag.StringVar(&leaderElectionNamespace, "leader-election-namespace", "", "Namespace where the leader election resource lives. Defaults to the pod namespace if not set.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false, "If set, HTTP/2 will be enabled for the metrics and webhook servers")
	flag.StringVar(&logEncoder, "log-encoder", "console", "Encoder to use for logging. Valid values are 'json' and 'console'. Defaults to 'json'")
	flag.StringVar(&watchNamespace, "watch-namespace", "", "Specify a list of namespaces to watch for parent resources, separated by commas. If left empty, all namespaces will be watched.")
	flag.StringVar(&operatorName, "operator-name", "", "Name of the operator. Also used as the finalizer it places on parents.")
	flag.StringVar(&parentGVK, "parent-gvk", "", "Kind of the parent resources in Kind.version.group form, e.g. 'Widget.v1.example.com'.")
	flag.IntVar(&handlerWorkers, "handler-workers", 0, "Maximum number of finalize handlers running at once. Defaults to GOMAXPROCS.")
	flag.StringVar(&gcsBucket, "gcs-bucket", "", "Bucket holding the objects owned by parents.")
	flag.StringVar(&gcsPrefixTemplate, "gcs-prefix-template", "{{ .Kind | lower }}/{{ .Namespace }}/{{ .Name }}/", "Template for the object prefix a parent owns.")
	flag.IntVar(&gcsBatchSize, "gcs-batch-size", gcscleanup.DefaultBatchSize, "Maximum number of objects deleted per finalize attempt.")
	flag.DurationVar(&gcsRetryDelay, "gcs-retry-delay", gcscleanup.DefaultRetryDelay, "Delay before the next finalize attempt while objects remain.")
	flag.StringVar(&gcsEndpoint, "gcs-endpoint", "", "Storage endpoint override. When set, requests are sent unauthenticated.")

	logOptions := k8szap.Options{
		Development: true,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}

	logOptions.BindFlags(flag.CommandLine)
	flag.Parse()

	// Configure and set the logger.
	stdoutEncoder, err := newLogEncoder(logEncoder)
	if err != nil {
		setupLog.Error(err, "failed to create log encoder")
		return fmt.Errorf("failed to create log encoder: %v", err)
	}
	logOptions.Encoder = stdoutEncoder
	ctrl.SetLogger(k8szap.New(k8szap.UseFlagOptions(&logOptions)))

	if operatorName == "" {
		err := fmt.Errorf("--operator-name must be set")
		setupLog.Error(err, "Invalid flags")
		return err
	}
	parentType, err := parseParentGVK(parentGVK)
	if err != nil {
		setupLog.Error(err, "Invalid flags")
		return err
	}

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancelation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}
	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}
	webhookServer := webhook.NewServer(webhook.Options{
		TLSOpts: tlsOpts,
	})

	// The parent kind is only known at runtime, so it is served as unstructured.
	scheme.AddKnownTypeWithName(parentType, &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(parentType.GroupVersion().WithKind(parentType.Kind+"List"), &unstructured.UnstructuredList{})

	options := ctrl.Options{
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{},
		},
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
			TLSOpts:     tlsOpts,
		},
		WebhookServer:           webhookServer,
		HealthProbeBindAddress:  probeAddr,
		LeaderElection:          enableLeaderElection,
		LeaderElectionID:        strings.ToLower(parentType.Kind) + "-finalize-runner",
		LeaderElectionNamespace: leaderElectionNamespace,
	}

	// Set up the manager cache.
	watchNamespaces := strings.Split(watchNamespace, ",")
	if len(watchNamespaces) == 1 && watchNamespaces[0] == "" {
		setupLog.Info("Flag watch-namespace is not set. Watch parents in all namespaces.")
	} else {
		setupLog.Info("Only watch parents in specific namespaces.", "namespaces", watchNamespaces)
		for _, namespace := range watchNamespaces {
			options.Cache.DefaultNamespaces[namespace] = cache.Config{}
		}
	}

	setupLog.Info("Setup manager")
	restConfig := ctrl.GetConfigOrDie()
	restConfig.UserAgent = userAgent
	mgr, err := ctrl.NewManager(restConfig, options)
	if err != nil {
		setupLog.Error(err, "Unable to create manager")
		return fmt.Errorf("unable to create manager: %v", err)
	}

	dynClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "Unable to create dynamic client")
		return fmt.Errorf("unable to create dynamic client: %v", err)
	}

	storageClient, err := newStorageClient(ctx, gcsEndpoint)
	if err != nil {
		setupLog.Error(err, "Unable to create storage client")
		return fmt.Errorf("unable to create storage client: %v", err)
	}
	defer storageClient.Close()

	cleanup, err := gcscleanup.New(storageClient, gcscleanup.Config{
		Bucket:         gcsBucket,
		PrefixTemplate: gcsPrefixTemplate,
		BatchSize:      gcsBatchSize,
		RetryDelay:     gcsRetryDelay,
	})
	if err != nil {
		setupLog.Error(err, "Unable to create cleanup handler")
		return fmt.Errorf("unable to create cleanup handler: %v", err)
	}

	reconciler := &controller.FinalizeReconciler{
		Client:         mgr.GetClient(),
		APIReader:      mgr.GetAPIReader(),
		ResourceClient: client.NewResourceClient(dynClient, mgr.GetRESTMapper()),
		Recorder:       mgr.GetEventRecorderFor(operatorName),
		Config: &runner.RuntimeConfig{
			OperatorName: operatorName,
			ParentType:   parentType,
			Metrics:      runner.NewPrometheusMetrics(ctrlmetrics.Registry),
		},
		Handler:  cleanup,
		Executor: runner.NewExecutor(handlerWorkers),
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", parentType.Kind)
		return fmt.Errorf("unable to create controller: %v", err)
	}
	setupLog.Info("Registered controller", "controller", parentType.Kind, "finalizer", operatorName, "workers", reconciler.Executor.Workers())

	//+kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "Unable to add health check")
		return fmt.Errorf("unable to add health check: %v", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "Unable to add ready check")
		return fmt.Errorf("unable to add ready check: %v", err)
	}
	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "Problem running manager")
		return fmt.Errorf("problem running manager: %v", err)
	}
	return nil
}

// parseParentGVK parses a fully qualified Kind.version.group argument.
func parseParentGVK(arg string) (schema.GroupVersionKind, error) {
	gvk, _ := schema.ParseKindArg(arg)
	if gvk == nil || gvk.Kind == "" || gvk.Version == "" {
		return schema.GroupVersionKind{}, fmt.Errorf("invalid --parent-gvk %q (want Kind.version.group)", arg)
	}
	return *gvk, nil
}

// newStorageClient uses application default credentials, or no
// authentication at all when an endpoint override is given.
func newStorageClient(ctx context.Context, endpoint string) (*storage.Client, error) {
	if endpoint != "" {
		return storage.NewClient(ctx, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to find default credentials: %w", err)
	}
	return storage.NewClient(ctx, option.WithCredentials(creds))
}

// newLogEncoder returns a zapcore.Encoder based on the encoder type ('json' or 'console')
func newLogEncoder(encoderType string) (zapcore.Encoder, error) {
	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoderType == "json" || encoderType == "" {
		return zapcore.NewJSONEncoder(pe), nil
	}
	if encoderType == "console" {
		return zapcore.NewConsoleEncoder(pe), nil
	}
	return nil, fmt.Errorf("invalid encoder %q (must be 'json' or 'console')", encoderType)
}
