// Package registry holds the deployment catalog. The catalog is built
// once per configuration load into an immutable snapshot and swapped
// atomically, so lookups never see a partially updated view.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/relaymux/internal/config"
)

// Deployment is a single routable model deployment. Fields are never
// mutated after snapshot construction; runtime state (health, cooldown,
// in-flight counts) lives in the state store keyed by ID.
type Deployment struct {
	ID         string
	ModelGroup string
	Provider   string
	Model      string
	APIKey     string
	APIBase    string
	Headers    map[string]string
	Timeout    time.Duration

	RPM      int64
	TPM      int64
	Priority int
	Weight   int
	Tags     []string

	InputCostPer1K   float64
	OutputCostPer1K  float64
	CostPerRequest   float64
	MaxContextTokens int
	BaseModel        string
	Disabled         bool
}

// HasTags reports whether the deployment carries every requested tag.
func (d *Deployment) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range d.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	byGroup map[string][]*Deployment
	byID    map[string]*Deployment
	aliases map[string]string
	groups  []string
}

// Resolve maps a public model name through aliases to a group name.
// The second return reports whether the group exists.
func (s *Snapshot) Resolve(model string) (string, bool) {
	group := model
	if target, ok := s.aliases[model]; ok {
		group = target
	}
	_, ok := s.byGroup[group]
	return group, ok
}

// Deployments returns the deployments of a group. Callers must not
// mutate the returned slice.
func (s *Snapshot) Deployments(group string) []*Deployment {
	return s.byGroup[group]
}

// DeploymentByID looks up a deployment by its ID.
func (s *Snapshot) DeploymentByID(id string) (*Deployment, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// Groups lists all configured group names.
func (s *Snapshot) Groups() []string {
	return s.groups
}

// BuildSnapshot constructs a snapshot from configuration. Deployment
// IDs are taken from config when set and minted otherwise.
func BuildSnapshot(deployments []config.DeploymentConfig, aliases map[string]string) (*Snapshot, error) {
	snap := &Snapshot{
		byGroup: make(map[string][]*Deployment),
		byID:    make(map[string]*Deployment),
		aliases: make(map[string]string, len(aliases)),
	}
	for alias, target := range aliases {
		snap.aliases[alias] = target
	}

	for i, dc := range deployments {
		provider, model := splitProviderModel(dc.Params.Model)
		if provider == "" {
			return nil, fmt.Errorf("model_list[%d] %q: model must be provider-qualified", i, dc.ModelName)
		}

		id := dc.Info.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := snap.byID[id]; exists {
			return nil, fmt.Errorf("duplicate deployment id %q", id)
		}

		weight := dc.Info.Weight
		if weight <= 0 {
			weight = 1
		}

		d := &Deployment{
			ID:               id,
			ModelGroup:       dc.ModelName,
			Provider:         provider,
			Model:            model,
			APIKey:           dc.Params.APIKey,
			APIBase:          dc.Params.APIBase,
			Headers:          dc.Params.Headers,
			Timeout:          dc.Params.Timeout,
			RPM:              dc.Params.RPM,
			TPM:              dc.Params.TPM,
			Priority:         dc.Info.Priority,
			Weight:           weight,
			Tags:             dc.Info.Tags,
			InputCostPer1K:   dc.Info.InputCostPer1K,
			OutputCostPer1K:  dc.Info.OutputCostPer1K,
			CostPerRequest:   dc.Info.CostPerRequest,
			MaxContextTokens: dc.Info.MaxContextTokens,
			BaseModel:        dc.Info.BaseModel,
			Disabled:         dc.Info.Disabled,
		}

		if _, seen := snap.byGroup[d.ModelGroup]; !seen {
			snap.groups = append(snap.groups, d.ModelGroup)
		}
		snap.byGroup[d.ModelGroup] = append(snap.byGroup[d.ModelGroup], d)
		snap.byID[id] = d
	}

	return snap, nil
}

func splitProviderModel(qualified string) (provider, model string) {
	idx := strings.Index(qualified, "/")
	if idx <= 0 || idx == len(qualified)-1 {
		return "", qualified
	}
	return qualified[:idx], qualified[idx+1:]
}
