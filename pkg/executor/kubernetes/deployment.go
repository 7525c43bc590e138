package kubernetes

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"

	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// secretValueKey is the key user secrets are stored under
const secretValueKey = "value"

// DeploymentExecutor runs deployments as apps/v1 Deployments with a Service
// for exposed ports, a ConfigMap for config mounts and an HPA when the
// replica range allows scaling.
type DeploymentExecutor struct {
	base
}

// NewDeploymentExecutor creates an executor for the deployment kind
func NewDeploymentExecutor(c client.Client, cfg Config) *DeploymentExecutor {
	return &DeploymentExecutor{base: newBase(c, cfg, types.KindDeployment)}
}

func deploymentName(id types.ResourceID) string {
	return "app-" + id.String()
}

func configMapName(id types.ResourceID) string {
	return deploymentName(id) + "-config"
}

func (e *DeploymentExecutor) ListRunning(ctx context.Context) iter.Seq2[types.ResourceID, error] {
	return e.listRunning(ctx, func() client.ObjectList { return &appsv1.DeploymentList{} })
}

func (e *DeploymentExecutor) Upsert(ctx context.Context, info *types.ResourceInfo) error {
	if info.Deployment == nil {
		return fmt.Errorf("resource %s has no deployment spec", info.ID)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutorDuration, string(e.kind), "upsert")

	labels := e.labels(info.ID, info.TenantID)
	rd := info.Deployment.RunningDetails

	mounts, err := e.upsertConfigMap(ctx, info.ID, labels, rd.ConfigMounts)
	if err != nil {
		return err
	}

	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: deploymentName(info.ID), Namespace: e.cfg.Namespace}}
	_, err = controllerutil.CreateOrUpdate(ctx, e.client, dep, func() error {
		if err := ensureManaged(dep); err != nil {
			return err
		}
		dep.Labels = labels
		dep.Annotations = map[string]string{AnnotationFingerprint: strconv.FormatUint(info.Fingerprint(), 16)}
		dep.Spec.Replicas = ptr.To(desiredReplicas(info.Deployment))
		dep.Spec.Selector = &metav1.LabelSelector{MatchLabels: map[string]string{LabelResourceID: info.ID.String()}}
		dep.Spec.Template.Labels = labels
		dep.Spec.Template.Spec.Containers = []corev1.Container{buildContainer(info.Deployment, mounts)}
		dep.Spec.Template.Spec.Volumes = buildVolumes(info.ID, rd)
		return nil
	})
	if err != nil {
		return classify("upsert deployment", err)
	}

	if err := e.upsertService(ctx, info.ID, labels, rd.Ports); err != nil {
		return err
	}
	return e.upsertAutoscaler(ctx, info, labels)
}

func (e *DeploymentExecutor) Delete(ctx context.Context, id types.ResourceID) error {
	name := deploymentName(id)
	return e.deleteAll(ctx,
		&autoscalingv2.HorizontalPodAutoscaler{ObjectMeta: metav1.ObjectMeta{Name: name}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name}},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: configMapName(id)}},
	)
}

// desiredReplicas is zero for stopped deployments and the lower scale bound
// otherwise.
func desiredReplicas(d *types.DeploymentInfo) int32 {
	if d.Spec.Status == types.DeploymentStatusStopped {
		return 0
	}
	return int32(d.RunningDetails.MinHorizontalScale)
}

func buildContainer(d *types.DeploymentInfo, mounts []corev1.VolumeMount) corev1.Container {
	rd := d.RunningDetails
	c := corev1.Container{
		Name:         "app",
		Image:        d.Spec.Image(),
		VolumeMounts: mounts,
	}

	for _, port := range slices.Sorted(maps.Keys(rd.Ports)) {
		c.Ports = append(c.Ports, corev1.ContainerPort{
			Name:          portName(port, rd.Ports[port]),
			ContainerPort: int32(port),
			Protocol:      protocol(rd.Ports[port]),
		})
	}

	for _, name := range slices.Sorted(maps.Keys(rd.EnvironmentVariables)) {
		env := rd.EnvironmentVariables[name]
		switch {
		case env.Value != nil:
			c.Env = append(c.Env, corev1.EnvVar{Name: name, Value: *env.Value})
		case env.FromSecret != nil:
			c.Env = append(c.Env, corev1.EnvVar{
				Name: name,
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{Name: "secret-" + env.FromSecret.String()},
						Key:                  secretValueKey,
					},
				},
			})
		}
	}

	c.StartupProbe = httpProbe(rd.StartupProbe)
	c.LivenessProbe = httpProbe(rd.LivenessProbe)

	for _, volumeID := range slices.SortedFunc(maps.Keys(rd.Volumes), compareUUID) {
		c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
			Name:      "vol-" + volumeID.String(),
			MountPath: rd.Volumes[volumeID],
		})
	}
	return c
}

func buildVolumes(id types.ResourceID, rd types.RunningDetails) []corev1.Volume {
	var volumes []corev1.Volume
	if len(rd.ConfigMounts) > 0 {
		volumes = append(volumes, corev1.Volume{
			Name: "config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(id)},
				},
			},
		})
	}
	for _, volumeID := range slices.SortedFunc(maps.Keys(rd.Volumes), compareUUID) {
		volumes = append(volumes, corev1.Volume{
			Name: "vol-" + volumeID.String(),
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "vol-" + volumeID.String()},
			},
		})
	}
	return volumes
}

// upsertConfigMap stores config mounts as binary data and returns the
// subPath mounts pointing at them. Without mounts any stale map is removed.
func (e *DeploymentExecutor) upsertConfigMap(ctx context.Context, id types.ResourceID, labels map[string]string, files map[string][]byte) ([]corev1.VolumeMount, error) {
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: configMapName(id), Namespace: e.cfg.Namespace}}
	if len(files) == 0 {
		if err := e.client.Delete(ctx, cm); client.IgnoreNotFound(err) != nil {
			return nil, classify("delete configmap", err)
		}
		return nil, nil
	}

	var mounts []corev1.VolumeMount
	data := make(map[string][]byte, len(files))
	for i, path := range slices.Sorted(maps.Keys(files)) {
		key := fmt.Sprintf("mount-%d", i)
		data[key] = files[path]
		mounts = append(mounts, corev1.VolumeMount{Name: "config", MountPath: path, SubPath: key, ReadOnly: true})
	}

	_, err := controllerutil.CreateOrUpdate(ctx, e.client, cm, func() error {
		if err := ensureManaged(cm); err != nil {
			return err
		}
		cm.Labels = labels
		cm.BinaryData = data
		return nil
	})
	if err != nil {
		return nil, classify("upsert configmap", err)
	}
	return mounts, nil
}

func (e *DeploymentExecutor) upsertService(ctx context.Context, id types.ResourceID, labels map[string]string, ports map[uint16]types.ExposedPortType) error {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: deploymentName(id), Namespace: e.cfg.Namespace}}
	if len(ports) == 0 {
		if err := e.client.Delete(ctx, svc); client.IgnoreNotFound(err) != nil {
			return classify("delete service", err)
		}
		return nil
	}

	_, err := controllerutil.CreateOrUpdate(ctx, e.client, svc, func() error {
		if err := ensureManaged(svc); err != nil {
			return err
		}
		svc.Labels = labels
		svc.Spec.Selector = map[string]string{LabelResourceID: id.String()}
		svc.Spec.Ports = nil
		for _, port := range slices.Sorted(maps.Keys(ports)) {
			svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
				Name:       portName(port, ports[port]),
				Port:       int32(port),
				TargetPort: intstr.FromInt32(int32(port)),
				Protocol:   protocol(ports[port]),
			})
		}
		return nil
	})
	return classify("upsert service", err)
}

// upsertAutoscaler keeps an HPA between the scale bounds. A fixed replica
// count or a stopped deployment has none.
func (e *DeploymentExecutor) upsertAutoscaler(ctx context.Context, info *types.ResourceInfo, labels map[string]string) error {
	rd := info.Deployment.RunningDetails
	hpa := &autoscalingv2.HorizontalPodAutoscaler{ObjectMeta: metav1.ObjectMeta{Name: deploymentName(info.ID), Namespace: e.cfg.Namespace}}

	if rd.MaxHorizontalScale <= rd.MinHorizontalScale || desiredReplicas(info.Deployment) == 0 {
		if err := e.client.Delete(ctx, hpa); client.IgnoreNotFound(err) != nil {
			return classify("delete autoscaler", err)
		}
		return nil
	}

	_, err := controllerutil.CreateOrUpdate(ctx, e.client, hpa, func() error {
		if err := ensureManaged(hpa); err != nil {
			return err
		}
		hpa.Labels = labels
		hpa.Spec.ScaleTargetRef = autoscalingv2.CrossVersionObjectReference{
			APIVersion: "apps/v1",
			Kind:       "Deployment",
			Name:       deploymentName(info.ID),
		}
		hpa.Spec.MinReplicas = ptr.To(int32(rd.MinHorizontalScale))
		hpa.Spec.MaxReplicas = int32(rd.MaxHorizontalScale)
		hpa.Spec.Metrics = []autoscalingv2.MetricSpec{{
			Type: autoscalingv2.ResourceMetricSourceType,
			Resource: &autoscalingv2.ResourceMetricSource{
				Name: corev1.ResourceCPU,
				Target: autoscalingv2.MetricTarget{
					Type:               autoscalingv2.UtilizationMetricType,
					AverageUtilization: ptr.To(int32(80)),
				},
			},
		}}
		return nil
	})
	return classify("upsert autoscaler", err)
}

func httpProbe(p *types.Probe) *corev1.Probe {
	if p == nil {
		return nil
	}
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: p.Path,
				Port: intstr.FromInt32(int32(p.Port)),
			},
		},
	}
}

func protocol(t types.ExposedPortType) corev1.Protocol {
	if t == types.PortTypeUDP {
		return corev1.ProtocolUDP
	}
	return corev1.ProtocolTCP
}

func portName(port uint16, t types.ExposedPortType) string {
	return fmt.Sprintf("%s-%d", t, port)
}

func compareUUID(a, b types.ResourceID) int {
	return slices.Compare(a[:], b[:])
}
