package module

import "time"

// DeploymentStatus is the activation state of a (module, version) binding.
type DeploymentStatus string

const (
	DeploymentActive   DeploymentStatus = "active"
	DeploymentInactive DeploymentStatus = "inactive"
)

// Deployment binds a module to one of its versions. At most one deployment
// per module carries DeploymentActive at any time.
type Deployment struct {
	ID         string           `json:"id"`
	ModuleID   string           `json:"module_id"`
	VersionID  string           `json:"version_id"`
	Status     DeploymentStatus `json:"status"`
	DeployedAt time.Time        `json:"deployed_at"`
}
