package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ResourceID identifies a deployment, database or static site instance.
type ResourceID = uuid.UUID

// ResourceKind names the kind of workload a runner reconciles
type ResourceKind string

const (
	KindDeployment ResourceKind = "deployment"
	KindDatabase   ResourceKind = "database"
	KindStaticSite ResourceKind = "static-site"
)

// Kinds lists every resource kind a runner can host a loop for
var Kinds = []ResourceKind{KindDeployment, KindDatabase, KindStaticSite}

// ParseKind validates a kind coming from a path segment or a config file
func ParseKind(s string) (ResourceKind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// RunnerIdentity is the exclusivity domain shared by the connection lock and
// the change channel of one logical runner.
type RunnerIdentity struct {
	TenantID uuid.UUID `json:"tenant_id" yaml:"tenant_id"`
	RunnerID uuid.UUID `json:"runner_id" yaml:"runner_id"`
}

func (r RunnerIdentity) String() string {
	return r.TenantID.String() + "/" + r.RunnerID.String()
}

// StreamChannel is the pub/sub channel change events for this runner are
// published on.
func (r RunnerIdentity) StreamChannel() string {
	return fmt.Sprintf("%s/runner/%s/stream", r.TenantID, r.RunnerID)
}

// LockKey is the key of the distributed lock held by the connected instance.
func (r RunnerIdentity) LockKey() string {
	return fmt.Sprintf("%s/runner/%s/connection", r.TenantID, r.RunnerID)
}

// ChangeAction describes what happened to a resource upstream
type ChangeAction string

const (
	ActionCreated ChangeAction = "created"
	ActionUpdated ChangeAction = "updated"
	ActionDeleted ChangeAction = "deleted"
)

// ChangeEvent is the transient notification relayed to a connected runner.
// It is delivered at most once and never persisted.
type ChangeEvent struct {
	Kind      ResourceKind `json:"kind"`
	ID        ResourceID   `json:"id"`
	Action    ChangeAction `json:"action"`
	Timestamp time.Time    `json:"timestamp"`
}

// ResourceInfo is the full desired specification of one resource. Exactly one
// of the kind-specific fields is set, matching Kind.
type ResourceInfo struct {
	ID         ResourceID      `json:"id"`
	Kind       ResourceKind    `json:"kind"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	RunnerID   uuid.UUID       `json:"runner_id"`
	Deployment *DeploymentInfo `json:"deployment,omitempty"`
	Database   *DatabaseSpec   `json:"database,omitempty"`
	StaticSite *StaticSiteSpec `json:"static_site,omitempty"`
}

// Runner returns the identity the resource is assigned to
func (r *ResourceInfo) Runner() RunnerIdentity {
	return RunnerIdentity{TenantID: r.TenantID, RunnerID: r.RunnerID}
}

// Fingerprint hashes the kind-specific spec. Two infos with the same
// fingerprint converge to the same backend state.
func (r *ResourceInfo) Fingerprint() uint64 {
	var spec any
	switch r.Kind {
	case KindDeployment:
		spec = r.Deployment
	case KindDatabase:
		spec = r.Database
	case KindStaticSite:
		spec = r.StaticSite
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// Validate checks the constraints the stores and executors rely on
func (r *ResourceInfo) Validate() error {
	switch r.Kind {
	case KindDeployment:
		if r.Deployment == nil {
			return fmt.Errorf("deployment spec is required for kind %s", r.Kind)
		}
		return r.Deployment.Validate()
	case KindDatabase:
		if r.Database == nil {
			return fmt.Errorf("database spec is required for kind %s", r.Kind)
		}
		return r.Database.Validate()
	case KindStaticSite:
		if r.StaticSite == nil {
			return fmt.Errorf("static site spec is required for kind %s", r.Kind)
		}
		return r.StaticSite.Validate()
	default:
		return fmt.Errorf("unknown resource kind %q", r.Kind)
	}
}

// DeploymentStatus mirrors the lifecycle shown to users
type DeploymentStatus string

const (
	DeploymentStatusCreated   DeploymentStatus = "created"
	DeploymentStatusPushed    DeploymentStatus = "pushed"
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	DeploymentStatusRunning   DeploymentStatus = "running"
	DeploymentStatusStopped   DeploymentStatus = "stopped"
	DeploymentStatusErrored   DeploymentStatus = "errored"
	DeploymentStatusDeleted   DeploymentStatus = "deleted"
)

// ExposedPortType is the protocol a deployment port is exposed with
type ExposedPortType string

const (
	PortTypeHTTP ExposedPortType = "http"
	PortTypeTCP  ExposedPortType = "tcp"
	PortTypeUDP  ExposedPortType = "udp"
)

// MaxHorizontalScale bounds both replica limits of a deployment
const MaxHorizontalScale = 256

// DeploymentInfo is what the control plane returns for a deployment
type DeploymentInfo struct {
	Spec           DeploymentSpec `json:"spec"`
	RunningDetails RunningDetails `json:"running_details"`
}

// DeploymentSpec describes the image a deployment runs
type DeploymentSpec struct {
	Name              string           `json:"name"`
	Registry          string           `json:"registry"`
	ImageName         string           `json:"image_name"`
	ImageTag          string           `json:"image_tag"`
	Status            DeploymentStatus `json:"status"`
	MachineType       uuid.UUID        `json:"machine_type"`
	CurrentLiveDigest string           `json:"current_live_digest,omitempty"`
}

// Image returns the fully qualified image reference
func (d *DeploymentSpec) Image() string {
	ref := d.ImageName
	if d.Registry != "" {
		ref = strings.TrimSuffix(d.Registry, "/") + "/" + ref
	}
	if d.CurrentLiveDigest != "" {
		return ref + "@" + d.CurrentLiveDigest
	}
	return ref + ":" + d.ImageTag
}

// RunningDetails holds the runtime configuration of a deployment
type RunningDetails struct {
	DeployOnPush         bool                       `json:"deploy_on_push"`
	MinHorizontalScale   uint16                     `json:"min_horizontal_scale"`
	MaxHorizontalScale   uint16                     `json:"max_horizontal_scale"`
	Ports                map[uint16]ExposedPortType `json:"ports"`
	EnvironmentVariables map[string]EnvVar          `json:"environment_variables"`
	StartupProbe         *Probe                     `json:"startup_probe,omitempty"`
	LivenessProbe        *Probe                     `json:"liveness_probe,omitempty"`
	ConfigMounts         map[string][]byte          `json:"config_mounts"`
	Volumes              map[uuid.UUID]string       `json:"volumes"`
}

// EnvVar is either a literal value or a reference to a stored secret
type EnvVar struct {
	Value      *string    `json:"value,omitempty"`
	FromSecret *uuid.UUID `json:"from_secret,omitempty"`
}

// Probe is an HTTP probe against one of the exposed ports
type Probe struct {
	Port uint16 `json:"port"`
	Path string `json:"path"`
}

// Validate applies the deployment table constraints
func (d *DeploymentInfo) Validate() error {
	if strings.TrimSpace(d.Spec.Name) == "" {
		return fmt.Errorf("deployment name is required")
	}
	if strings.TrimSpace(d.Spec.ImageName) == "" {
		return fmt.Errorf("image name is required")
	}
	if strings.TrimSpace(d.Spec.ImageTag) == "" {
		return fmt.Errorf("image tag is required")
	}

	rd := d.RunningDetails
	if rd.MaxHorizontalScale > MaxHorizontalScale {
		return fmt.Errorf("max horizontal scale %d exceeds %d", rd.MaxHorizontalScale, MaxHorizontalScale)
	}
	if rd.MinHorizontalScale > rd.MaxHorizontalScale {
		return fmt.Errorf("min horizontal scale %d is greater than max %d", rd.MinHorizontalScale, rd.MaxHorizontalScale)
	}

	for name, env := range rd.EnvironmentVariables {
		if (env.Value == nil) == (env.FromSecret == nil) {
			return fmt.Errorf("environment variable %s must have exactly one of value or secret", name)
		}
	}

	for _, probe := range []*Probe{rd.StartupProbe, rd.LivenessProbe} {
		if probe == nil {
			continue
		}
		if rd.Ports[probe.Port] != PortTypeHTTP {
			return fmt.Errorf("probe port %d is not an exposed http port", probe.Port)
		}
	}
	return nil
}

// DatabaseEngine selects the managed database flavour
type DatabaseEngine string

const (
	EnginePostgres DatabaseEngine = "postgres"
	EngineMySQL    DatabaseEngine = "mysql"
	EngineRedis    DatabaseEngine = "redis"
	EngineMongo    DatabaseEngine = "mongo"
)

// DatabaseSpec describes a managed database
type DatabaseSpec struct {
	Name    string         `json:"name"`
	Engine  DatabaseEngine `json:"engine"`
	Version string         `json:"version"`
	Plan    string         `json:"plan"`
	// StorageGB is the size of the persistent volume
	StorageGB int `json:"storage_gb"`
}

// Validate checks a database spec
func (d *DatabaseSpec) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("database name is required")
	}
	switch d.Engine {
	case EnginePostgres, EngineMySQL, EngineRedis, EngineMongo:
	default:
		return fmt.Errorf("unsupported database engine %q", d.Engine)
	}
	if d.StorageGB <= 0 {
		return fmt.Errorf("database storage must be positive")
	}
	return nil
}

// StaticSiteSpec describes a static site served from an uploaded bundle
type StaticSiteSpec struct {
	Name          string `json:"name"`
	IndexDocument string `json:"index_document"`
	ErrorDocument string `json:"error_document,omitempty"`
	UploadDigest  string `json:"upload_digest,omitempty"`
}

// Validate checks a static site spec
func (s *StaticSiteSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("static site name is required")
	}
	if s.IndexDocument == "" {
		return fmt.Errorf("index document is required")
	}
	return nil
}
