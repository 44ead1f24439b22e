package mount

import "errors"

var (
	ErrMountExists = errors.New("mount point already exists")
	ErrInvalidPath = errors.New("mount path must start with /")
	ErrNilFactory  = errors.New("factory is nil")
)
