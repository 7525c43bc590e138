package kubernetes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/tether/pkg/executor"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

const testNamespace = "tenants"

func newFakeClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme, err := NewScheme()
	require.NoError(t, err)
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}

func strPtr(s string) *string { return &s }

func deploymentInfo(id types.ResourceID) *types.ResourceInfo {
	secret := uuid.New()
	volume := uuid.New()
	return &types.ResourceInfo{
		ID:       id,
		Kind:     types.KindDeployment,
		TenantID: uuid.New(),
		RunnerID: uuid.New(),
		Deployment: &types.DeploymentInfo{
			Spec: types.DeploymentSpec{
				Name:      "web",
				Registry:  "registry.example.com",
				ImageName: "acme/web",
				ImageTag:  "v1",
				Status:    types.DeploymentStatusRunning,
			},
			RunningDetails: types.RunningDetails{
				MinHorizontalScale: 2,
				MaxHorizontalScale: 4,
				Ports:              map[uint16]types.ExposedPortType{8080: types.PortTypeHTTP, 9000: types.PortTypeUDP},
				EnvironmentVariables: map[string]types.EnvVar{
					"MODE":     {Value: strPtr("production")},
					"DB_TOKEN": {FromSecret: &secret},
				},
				StartupProbe: &types.Probe{Port: 8080, Path: "/healthz"},
				ConfigMounts: map[string][]byte{"/etc/app/config.yaml": []byte("debug: false")},
				Volumes:      map[uuid.UUID]string{volume: "/data"},
			},
		},
	}
}

func TestDeploymentExecutorUpsert(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient(t)
	exec := NewDeploymentExecutor(c, Config{Namespace: testNamespace})
	id := uuid.New()
	info := deploymentInfo(id)

	require.NoError(t, exec.Upsert(ctx, info))

	var dep appsv1.Deployment
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: deploymentName(id)}, &dep))
	assert.Equal(t, id.String(), dep.Labels[LabelResourceID])
	assert.Equal(t, string(types.KindDeployment), dep.Labels[LabelKind])
	assert.Equal(t, int32(2), *dep.Spec.Replicas)

	container := dep.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "registry.example.com/acme/web:v1", container.Image)
	require.Len(t, container.Env, 2)
	assert.Equal(t, "DB_TOKEN", container.Env[0].Name)
	require.NotNil(t, container.Env[0].ValueFrom)
	assert.Equal(t, "MODE", container.Env[1].Name)
	assert.Equal(t, "production", container.Env[1].Value)
	require.Len(t, container.Ports, 2)
	assert.Equal(t, corev1.ProtocolUDP, container.Ports[1].Protocol)
	require.NotNil(t, container.StartupProbe)
	assert.Equal(t, "/healthz", container.StartupProbe.HTTPGet.Path)
	assert.Len(t, container.VolumeMounts, 2)
	assert.Len(t, dep.Spec.Template.Spec.Volumes, 2)

	var svc corev1.Service
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: deploymentName(id)}, &svc))
	assert.Len(t, svc.Spec.Ports, 2)

	var cm corev1.ConfigMap
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: configMapName(id)}, &cm))
	assert.Equal(t, []byte("debug: false"), cm.BinaryData["mount-0"])

	var hpa autoscalingv2.HorizontalPodAutoscaler
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: deploymentName(id)}, &hpa))
	assert.Equal(t, int32(4), hpa.Spec.MaxReplicas)

	// Upsert is idempotent
	require.NoError(t, exec.Upsert(ctx, info))

	// Stopping drops replicas and the autoscaler
	info.Deployment.Spec.Status = types.DeploymentStatusStopped
	require.NoError(t, exec.Upsert(ctx, info))
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: deploymentName(id)}, &dep))
	assert.Equal(t, int32(0), *dep.Spec.Replicas)
	err := c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: deploymentName(id)}, &hpa)
	assert.True(t, apierrors.IsNotFound(err))
}

func TestDeploymentExecutorDelete(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient(t)
	exec := NewDeploymentExecutor(c, Config{Namespace: testNamespace})
	id := uuid.New()

	require.NoError(t, exec.Upsert(ctx, deploymentInfo(id)))
	require.NoError(t, exec.Delete(ctx, id))

	ids, err := executor.Collect(exec.ListRunning(ctx))
	require.NoError(t, err)
	assert.Empty(t, ids)

	var svc corev1.Service
	err = c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: deploymentName(id)}, &svc)
	assert.True(t, apierrors.IsNotFound(err))

	// Deleting an absent resource succeeds
	require.NoError(t, exec.Delete(ctx, id))
	require.NoError(t, exec.Delete(ctx, uuid.New()))
}

func TestListRunningFiltersByKindAndLabels(t *testing.T) {
	ctx := context.Background()
	managed := uuid.New()
	site := uuid.New()

	foreign := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "foreign", Namespace: testNamespace}}
	badLabel := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{
		Name:      "bad-label",
		Namespace: testNamespace,
		Labels: map[string]string{
			LabelManagedBy:  managedByValue,
			LabelKind:       string(types.KindDeployment),
			LabelResourceID: "not-a-uuid",
		},
	}}
	otherNamespace := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{
		Name:      "elsewhere",
		Namespace: "default",
		Labels: map[string]string{
			LabelManagedBy:  managedByValue,
			LabelKind:       string(types.KindDeployment),
			LabelResourceID: uuid.NewString(),
		},
	}}

	c := newFakeClient(t, foreign, badLabel, otherNamespace)
	cfg := Config{Namespace: testNamespace}
	deployments := NewDeploymentExecutor(c, cfg)
	sites := NewStaticSiteExecutor(c, cfg)

	require.NoError(t, deployments.Upsert(ctx, deploymentInfo(managed)))
	require.NoError(t, sites.Upsert(ctx, &types.ResourceInfo{
		ID:         site,
		Kind:       types.KindStaticSite,
		StaticSite: &types.StaticSiteSpec{Name: "docs", IndexDocument: "index.html"},
	}))

	ids, err := executor.Collect(deployments.ListRunning(ctx))
	require.NoError(t, err)
	assert.Equal(t, []types.ResourceID{managed}, ids)

	ids, err = executor.Collect(sites.ListRunning(ctx))
	require.NoError(t, err)
	assert.Equal(t, []types.ResourceID{site}, ids)
}

func TestListRunningStopsEarly(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient(t)
	exec := NewDeploymentExecutor(c, Config{Namespace: testNamespace})
	for range 3 {
		require.NoError(t, exec.Upsert(ctx, deploymentInfo(uuid.New())))
	}

	seen := 0
	for _, err := range exec.ListRunning(ctx) {
		require.NoError(t, err)
		seen++
		if seen == 1 {
			break
		}
	}
	assert.Equal(t, 1, seen)
}

func TestUpsertRefusesUnmanagedObject(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	existing := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: deploymentName(id), Namespace: testNamespace}}
	info := deploymentInfo(id)
	info.Deployment.RunningDetails.ConfigMounts = nil

	exec := NewDeploymentExecutor(newFakeClient(t, existing), Config{Namespace: testNamespace})
	err := exec.Upsert(ctx, info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotManaged))
	assert.Equal(t, 2*executor.DefaultRetryDelay, executor.Delay(err))
}

func TestDatabaseExecutor(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient(t)
	exec := NewDatabaseExecutor(c, Config{Namespace: testNamespace, StorageClass: "fast"})
	id := uuid.New()

	info := &types.ResourceInfo{
		ID:   id,
		Kind: types.KindDatabase,
		Database: &types.DatabaseSpec{
			Name:      "orders",
			Engine:    types.EnginePostgres,
			Version:   "16",
			Plan:      "small",
			StorageGB: 10,
		},
	}
	require.NoError(t, exec.Upsert(ctx, info))

	var sts appsv1.StatefulSet
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: databaseName(id)}, &sts))
	assert.Equal(t, "postgres:16", sts.Spec.Template.Spec.Containers[0].Image)
	require.Len(t, sts.Spec.VolumeClaimTemplates, 1)
	claim := sts.Spec.VolumeClaimTemplates[0]
	assert.Equal(t, "fast", *claim.Spec.StorageClassName)
	storage := claim.Spec.Resources.Requests[corev1.ResourceStorage]
	assert.Equal(t, "10Gi", storage.String())

	ids, err := executor.Collect(exec.ListRunning(ctx))
	require.NoError(t, err)
	assert.Equal(t, []types.ResourceID{id}, ids)

	require.NoError(t, exec.Delete(ctx, id))
	ids, err = executor.Collect(exec.ListRunning(ctx))
	require.NoError(t, err)
	assert.Empty(t, ids)

	info.Database.Engine = "oracle"
	assert.Error(t, exec.Upsert(ctx, info))
}

func TestClassify(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}

	tests := []struct {
		name     string
		err      error
		expected time.Duration
	}{
		{name: "conflict", err: apierrors.NewConflict(gr, "app", errors.New("modified")), expected: time.Second},
		{name: "server suggested delay", err: apierrors.NewTooManyRequests("slow down", 7), expected: 7 * time.Second},
		{name: "service unavailable", err: apierrors.NewServiceUnavailable("down"), expected: 10 * time.Second},
		{name: "forbidden", err: apierrors.NewForbidden(gr, "app", errors.New("rbac")), expected: 2 * executor.DefaultRetryDelay},
		{name: "unknown", err: errors.New("connection reset"), expected: executor.DefaultRetryDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("upsert", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.expected, executor.Delay(err))
		})
	}

	assert.NoError(t, classify("upsert", nil))
}
