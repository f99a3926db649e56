package module

import "time"

// EnvKind selects the executor backend a module runs under.
type EnvKind string

const (
	EnvInline     EnvKind = "inline"
	EnvSubprocess EnvKind = "subprocess"
	EnvNamedEnv   EnvKind = "named_env"
	EnvContainer  EnvKind = "container"
)

// Valid reports whether the kind names a known backend.
func (k EnvKind) Valid() bool {
	switch k {
	case EnvInline, EnvSubprocess, EnvNamedEnv, EnvContainer:
		return true
	default:
		return false
	}
}

// Status describes the lifecycle state of a module.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Module is a named unit of user code managed by the platform. Name is the
// external key; CurrentVersion mirrors the label of the active deployment.
type Module struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	EnvKind        EnvKind   `json:"env"`
	Description    string    `json:"description,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	CurrentVersion string    `json:"current_version,omitempty"`
	Status         Status    `json:"status"`
	ImageTag       string    `json:"image_tag,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
