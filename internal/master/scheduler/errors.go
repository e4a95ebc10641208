package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"titangrid/pkg/model"
)

var (
	ErrUnknownTask        = errors.New("unknown task")
	ErrDuplicateTask      = errors.New("task already submitted")
	ErrTaskNotRunning     = errors.New("task is not running")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrResourceExhaustion = errors.New("resource exhaustion")
)

// UnknownDependencyError names a dependency that was never submitted.
type UnknownDependencyError struct {
	TaskID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on %s: %s", e.TaskID, e.Dependency, ErrUnknownDependency)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// DependencyCycleError carries the cycle, starting and ending at the
// submitted task.
type DependencyCycleError struct {
	Path []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDependencyCycle, strings.Join(e.Path, " -> "))
}

func (e *DependencyCycleError) Unwrap() error { return ErrDependencyCycle }

// ResourceExhaustionError is returned when no node can ever run the task, and
// recorded on tasks that waited past the starvation bound.
type ResourceExhaustionError struct {
	TaskID       string
	Requirements model.Resources
	Reason       string
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("%s: task %s (%v): %s", ErrResourceExhaustion, e.TaskID, e.Requirements, e.Reason)
}

func (e *ResourceExhaustionError) Unwrap() error { return ErrResourceExhaustion }
