package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cuemby/tether/pkg/executor"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

const (
	LabelManagedBy  = "tether.cuemby.com/managed-by"
	LabelKind       = "tether.cuemby.com/kind"
	LabelResourceID = "tether.cuemby.com/resource-id"
	LabelTenantID   = "tether.cuemby.com/tenant-id"

	AnnotationFingerprint = "tether.cuemby.com/fingerprint"

	managedByValue = "tether"

	// DefaultNamespace is where workloads land when none is configured
	DefaultNamespace = "tether-workloads"

	// DefaultStaticSiteImage serves uploaded static site bundles
	DefaultStaticSiteImage = "nginxinc/nginx-unprivileged:1.27-alpine"
)

// ErrNotManaged is returned when an object with the target name exists but
// was not created by tether. The executor refuses to take it over.
var ErrNotManaged = errors.New("object exists but is not managed by tether")

// Config configures the Kubernetes executors
type Config struct {
	Namespace string
	// PageSize limits List calls; zero lists everything in one call
	PageSize        int64
	StaticSiteImage string
	StorageClass    string
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.StaticSiteImage == "" {
		c.StaticSiteImage = DefaultStaticSiteImage
	}
	return c
}

// NewScheme returns a scheme with the built-in Kubernetes types registered
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to build scheme: %w", err)
	}
	return scheme, nil
}

// NewClient builds a controller-runtime client. An empty kubeconfig falls
// back to in-cluster configuration and the usual KUBECONFIG lookup.
func NewClient(kubeconfig string) (client.Client, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	if kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restConfig, err = config.GetConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return c, nil
}

// Executors returns one executor per resource kind sharing the same client
func Executors(c client.Client, cfg Config) []executor.Executor {
	return []executor.Executor{
		NewDeploymentExecutor(c, cfg),
		NewDatabaseExecutor(c, cfg),
		NewStaticSiteExecutor(c, cfg),
	}
}

// base holds what every kind-specific executor shares
type base struct {
	client client.Client
	cfg    Config
	kind   types.ResourceKind
	logger zerolog.Logger
}

func newBase(c client.Client, cfg Config, kind types.ResourceKind) base {
	return base{
		client: c,
		cfg:    cfg.withDefaults(),
		kind:   kind,
		logger: log.WithComponent("kubernetes").With().Str("kind", string(kind)).Logger(),
	}
}

func (b *base) Kind() types.ResourceKind {
	return b.kind
}

func (b *base) labels(id types.ResourceID, tenant uuid.UUID) map[string]string {
	l := b.selector()
	l[LabelResourceID] = id.String()
	if tenant != uuid.Nil {
		l[LabelTenantID] = tenant.String()
	}
	return l
}

func (b *base) selector() client.MatchingLabels {
	return client.MatchingLabels{
		LabelManagedBy: managedByValue,
		LabelKind:      string(b.kind),
	}
}

var errStopIteration = errors.New("stop iteration")

// listRunning walks every page of the list type returned by newList and
// yields the resource id label of each managed object.
func (b *base) listRunning(ctx context.Context, newList func() client.ObjectList) iter.Seq2[types.ResourceID, error] {
	return func(yield func(types.ResourceID, error) bool) {
		continueToken := ""
		for {
			opts := []client.ListOption{client.InNamespace(b.cfg.Namespace), b.selector()}
			if b.cfg.PageSize > 0 {
				opts = append(opts, client.Limit(b.cfg.PageSize), client.Continue(continueToken))
			}

			list := newList()
			timer := metrics.NewTimer()
			err := b.client.List(ctx, list, opts...)
			timer.ObserveDurationVec(metrics.ExecutorDuration, string(b.kind), "list")
			if err != nil {
				yield(uuid.Nil, classify("list", err))
				return
			}

			err = apimeta.EachListItem(list, func(obj runtime.Object) error {
				accessor, err := apimeta.Accessor(obj)
				if err != nil {
					return err
				}
				id, err := uuid.Parse(accessor.GetLabels()[LabelResourceID])
				if err != nil {
					b.logger.Warn().Str("object", accessor.GetName()).Msg("Skipping object with invalid resource id label")
					return nil
				}
				if !yield(id, nil) {
					return errStopIteration
				}
				return nil
			})
			if errors.Is(err, errStopIteration) {
				return
			}
			if err != nil {
				yield(uuid.Nil, fmt.Errorf("failed to read list items: %w", err))
				return
			}

			listMeta, err := apimeta.ListAccessor(list)
			if err != nil || b.cfg.PageSize <= 0 {
				return
			}
			continueToken = listMeta.GetContinue()
			if continueToken == "" {
				return
			}
		}
	}
}

// ensureManaged rejects objects that exist without our labels
func ensureManaged(obj client.Object) error {
	if obj.GetResourceVersion() == "" {
		return nil
	}
	if obj.GetLabels()[LabelManagedBy] != managedByValue {
		return fmt.Errorf("%s/%s: %w", obj.GetNamespace(), obj.GetName(), ErrNotManaged)
	}
	return nil
}

// deleteAll deletes each object, treating absence as success
func (b *base) deleteAll(ctx context.Context, objs ...client.Object) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutorDuration, string(b.kind), "delete")

	for _, obj := range objs {
		obj.SetNamespace(b.cfg.Namespace)
		policy := client.PropagationPolicy(metav1.DeletePropagationBackground)
		if err := b.client.Delete(ctx, obj, policy); client.IgnoreNotFound(err) != nil {
			return classify("delete", err)
		}
	}
	return nil
}

// classify turns an API error into a retry hint
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("kubernetes %s: %w", op, err)

	if seconds, ok := apierrors.SuggestsClientDelay(err); ok && seconds > 0 {
		return executor.RetryAfter(wrapped, time.Duration(seconds)*time.Second)
	}
	switch {
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return executor.RetryAfter(wrapped, time.Second)
	case apierrors.IsTooManyRequests(err), apierrors.IsServerTimeout(err), apierrors.IsTimeout(err):
		return executor.RetryAfter(wrapped, 5*time.Second)
	case apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return executor.RetryAfter(wrapped, 10*time.Second)
	case errors.Is(err, ErrNotManaged), apierrors.IsInvalid(err), apierrors.IsForbidden(err):
		return executor.RetryAfter(wrapped, executor.DefaultRetryDelay*2)
	}
	return wrapped
}
