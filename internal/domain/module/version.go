package module

import "time"

// Version is an immutable revision of a module's payload. Code is set only
// for inline modules; other kinds keep their sources in the artifact store.
type Version struct {
	ID          string    `json:"id"`
	ModuleID    string    `json:"module_id"`
	Label       string    `json:"version"`
	Code        string    `json:"code,omitempty"`
	Description string    `json:"description,omitempty"`
	Changelog   string    `json:"changelog,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// VersionInfo pairs a version with its deployment status for listings.
type VersionInfo struct {
	Version
	DeploymentStatus DeploymentStatus `json:"status"`
}
