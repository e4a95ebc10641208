package registry

import "errors"

var (
	ErrDuplicateNode        = errors.New("node already registered")
	ErrUnknownNode          = errors.New("unknown node")
	ErrNodeHasTasks         = errors.New("node still has running tasks")
	ErrInsufficientCapacity = errors.New("insufficient node capacity")
)
