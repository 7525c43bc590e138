package kubernetes

import (
	"context"
	"fmt"
	"iter"
	"strconv"

	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

const staticSitePort = 8080

// StaticSiteExecutor serves static sites from a shared web server image. The
// bundle is selected by the upload digest passed through the environment.
type StaticSiteExecutor struct {
	base
}

// NewStaticSiteExecutor creates an executor for the static-site kind
func NewStaticSiteExecutor(c client.Client, cfg Config) *StaticSiteExecutor {
	return &StaticSiteExecutor{base: newBase(c, cfg, types.KindStaticSite)}
}

func staticSiteName(id types.ResourceID) string {
	return "site-" + id.String()
}

func (e *StaticSiteExecutor) ListRunning(ctx context.Context) iter.Seq2[types.ResourceID, error] {
	return e.listRunning(ctx, func() client.ObjectList { return &appsv1.DeploymentList{} })
}

func (e *StaticSiteExecutor) Upsert(ctx context.Context, info *types.ResourceInfo) error {
	if info.StaticSite == nil {
		return fmt.Errorf("resource %s has no static site spec", info.ID)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutorDuration, string(e.kind), "upsert")

	name := staticSiteName(info.ID)
	labels := e.labels(info.ID, info.TenantID)
	site := info.StaticSite

	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: e.cfg.Namespace}}
	_, err := controllerutil.CreateOrUpdate(ctx, e.client, dep, func() error {
		if err := ensureManaged(dep); err != nil {
			return err
		}
		dep.Labels = labels
		dep.Annotations = map[string]string{AnnotationFingerprint: strconv.FormatUint(info.Fingerprint(), 16)}
		dep.Spec.Replicas = ptr.To(int32(1))
		dep.Spec.Selector = &metav1.LabelSelector{MatchLabels: map[string]string{LabelResourceID: info.ID.String()}}
		dep.Spec.Template.Labels = labels
		dep.Spec.Template.Spec.Containers = []corev1.Container{{
			Name:  "web",
			Image: e.cfg.StaticSiteImage,
			Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: staticSitePort}},
			Env: []corev1.EnvVar{
				{Name: "SITE_NAME", Value: site.Name},
				{Name: "INDEX_DOCUMENT", Value: site.IndexDocument},
				{Name: "ERROR_DOCUMENT", Value: site.ErrorDocument},
				{Name: "UPLOAD_DIGEST", Value: site.UploadDigest},
			},
			ReadinessProbe: &corev1.Probe{
				ProbeHandler: corev1.ProbeHandler{
					HTTPGet: &corev1.HTTPGetAction{Path: "/", Port: intstr.FromInt32(staticSitePort)},
				},
			},
		}}
		return nil
	})
	if err != nil {
		return classify("upsert static site", err)
	}

	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: e.cfg.Namespace}}
	_, err = controllerutil.CreateOrUpdate(ctx, e.client, svc, func() error {
		if err := ensureManaged(svc); err != nil {
			return err
		}
		svc.Labels = labels
		svc.Spec.Selector = map[string]string{LabelResourceID: info.ID.String()}
		svc.Spec.Ports = []corev1.ServicePort{{
			Name:       "http",
			Port:       80,
			TargetPort: intstr.FromInt32(staticSitePort),
		}}
		return nil
	})
	return classify("upsert static site service", err)
}

func (e *StaticSiteExecutor) Delete(ctx context.Context, id types.ResourceID) error {
	name := staticSiteName(id)
	return e.deleteAll(ctx,
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name}},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name}},
	)
}
