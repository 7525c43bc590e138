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
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

type engineDefaults struct {
	image   string
	port    int32
	dataDir string
}

var engines = map[types.DatabaseEngine]engineDefaults{
	types.EnginePostgres: {image: "postgres", port: 5432, dataDir: "/var/lib/postgresql/data"},
	types.EngineMySQL:    {image: "mysql", port: 3306, dataDir: "/var/lib/mysql"},
	types.EngineRedis:    {image: "redis", port: 6379, dataDir: "/data"},
	types.EngineMongo:    {image: "mongo", port: 27017, dataDir: "/data/db"},
}

// DatabaseExecutor runs managed databases as single replica StatefulSets
// with a persistent volume claim template and a headless Service.
type DatabaseExecutor struct {
	base
}

// NewDatabaseExecutor creates an executor for the database kind
func NewDatabaseExecutor(c client.Client, cfg Config) *DatabaseExecutor {
	return &DatabaseExecutor{base: newBase(c, cfg, types.KindDatabase)}
}

func databaseName(id types.ResourceID) string {
	return "db-" + id.String()
}

func (e *DatabaseExecutor) ListRunning(ctx context.Context) iter.Seq2[types.ResourceID, error] {
	return e.listRunning(ctx, func() client.ObjectList { return &appsv1.StatefulSetList{} })
}

func (e *DatabaseExecutor) Upsert(ctx context.Context, info *types.ResourceInfo) error {
	if info.Database == nil {
		return fmt.Errorf("resource %s has no database spec", info.ID)
	}
	engine, ok := engines[info.Database.Engine]
	if !ok {
		return fmt.Errorf("unsupported database engine %q", info.Database.Engine)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutorDuration, string(e.kind), "upsert")

	name := databaseName(info.ID)
	labels := e.labels(info.ID, info.TenantID)

	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: e.cfg.Namespace}}
	_, err := controllerutil.CreateOrUpdate(ctx, e.client, svc, func() error {
		if err := ensureManaged(svc); err != nil {
			return err
		}
		svc.Labels = labels
		svc.Spec.ClusterIP = corev1.ClusterIPNone
		svc.Spec.Selector = map[string]string{LabelResourceID: info.ID.String()}
		svc.Spec.Ports = []corev1.ServicePort{{
			Name:       string(info.Database.Engine),
			Port:       engine.port,
			TargetPort: intstr.FromInt32(engine.port),
		}}
		return nil
	})
	if err != nil {
		return classify("upsert database service", err)
	}

	sts := &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: e.cfg.Namespace}}
	_, err = controllerutil.CreateOrUpdate(ctx, e.client, sts, func() error {
		if err := ensureManaged(sts); err != nil {
			return err
		}
		sts.Labels = labels
		sts.Annotations = map[string]string{AnnotationFingerprint: strconv.FormatUint(info.Fingerprint(), 16)}
		sts.Spec.ServiceName = name
		sts.Spec.Replicas = ptr.To(int32(1))
		sts.Spec.Selector = &metav1.LabelSelector{MatchLabels: map[string]string{LabelResourceID: info.ID.String()}}
		sts.Spec.Template.Labels = labels
		sts.Spec.Template.Spec.Containers = []corev1.Container{{
			Name:  string(info.Database.Engine),
			Image: engine.image + ":" + info.Database.Version,
			Ports: []corev1.ContainerPort{{ContainerPort: engine.port}},
			Env: []corev1.EnvVar{{
				Name: "TETHER_DATABASE_PASSWORD",
				ValueFrom: &corev1.EnvVarSource{SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: name + "-credentials"},
					Key:                  "password",
				}},
			}},
			VolumeMounts: []corev1.VolumeMount{{Name: "data", MountPath: engine.dataDir}},
		}}
		if len(sts.Spec.VolumeClaimTemplates) == 0 {
			sts.Spec.VolumeClaimTemplates = []corev1.PersistentVolumeClaim{e.dataClaim(info.Database.StorageGB)}
		}
		return nil
	})
	return classify("upsert statefulset", err)
}

func (e *DatabaseExecutor) Delete(ctx context.Context, id types.ResourceID) error {
	name := databaseName(id)
	return e.deleteAll(ctx,
		&appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: name}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name}},
	)
}

// dataClaim is only set at creation, claim templates are immutable
func (e *DatabaseExecutor) dataClaim(storageGB int) corev1.PersistentVolumeClaim {
	claim := corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data"},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(fmt.Sprintf("%dGi", storageGB)),
				},
			},
		},
	}
	if e.cfg.StorageClass != "" {
		claim.Spec.StorageClassName = ptr.To(e.cfg.StorageClass)
	}
	return claim
}
