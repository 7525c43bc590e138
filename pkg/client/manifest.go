package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// APIVersion is the only manifest version understood by apply
const APIVersion = "tether/v1"

// Manifest is one YAML document of a resource file
type Manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       map[string]any   `yaml:"spec"`
}

// ManifestMetadata identifies the resource and the runner it is assigned to
type ManifestMetadata struct {
	// ID is optional; without it apply always creates
	ID     string `yaml:"id,omitempty"`
	Runner string `yaml:"runner"`
}

var manifestKinds = map[string]types.ResourceKind{
	"Deployment": types.KindDeployment,
	"Database":   types.KindDatabase,
	"StaticSite": types.KindStaticSite,
}

// ParseManifests decodes every document in data into resource infos
func ParseManifests(data []byte) ([]*types.ResourceInfo, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var infos []*types.ResourceInfo
	for i := 0; ; i++ {
		var m Manifest
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML document %d: %w", i+1, err)
		}
		if m.Kind == "" && m.Spec == nil {
			continue
		}

		info, err := m.ResourceInfo()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		infos = append(infos, info)
	}

	if len(infos) == 0 {
		return nil, errors.New("no resources found")
	}
	return infos, nil
}

// ResourceInfo converts the manifest into the API representation
func (m *Manifest) ResourceInfo() (*types.ResourceInfo, error) {
	if m.APIVersion != APIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q", m.APIVersion)
	}
	kind, ok := manifestKinds[m.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported resource kind: %s", m.Kind)
	}

	info := &types.ResourceInfo{Kind: kind}
	if m.Metadata.ID != "" {
		id, err := uuid.Parse(m.Metadata.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata.id: %w", err)
		}
		info.ID = id
	}
	runner, err := uuid.Parse(m.Metadata.Runner)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata.runner: %w", err)
	}
	info.RunnerID = runner

	// Specs carry JSON tags, so the YAML tree is re-encoded as JSON
	raw, err := json.Marshal(normalize(m.Spec))
	if err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}

	var target any
	switch kind {
	case types.KindDeployment:
		info.Deployment = &types.DeploymentInfo{}
		target = info.Deployment
	case types.KindDatabase:
		info.Database = &types.DatabaseSpec{}
		target = info.Database
	case types.KindStaticSite:
		info.StaticSite = &types.StaticSiteSpec{}
		target = info.StaticSite
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("invalid %s spec: %w", m.Kind, err)
	}

	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// normalize turns YAML maps with non-string keys, such as port numbers,
// into maps JSON can encode
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
