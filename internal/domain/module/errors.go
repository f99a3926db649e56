package module

import "errors"

var (
	ErrModuleNotFound     = errors.New("module not found")
	ErrVersionNotFound    = errors.New("version not found")
	ErrNameConflict       = errors.New("module name already registered")
	ErrDuplicateVersion   = errors.New("version label already exists for module")
	ErrNoActiveDeployment = errors.New("module has no active deployment")
	ErrModuleDeleted      = errors.New("module is deleted")
	ErrBadInput           = errors.New("invalid module payload")
)
