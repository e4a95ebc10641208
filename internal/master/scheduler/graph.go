package scheduler

import "titangrid/pkg/model"

// checkDependenciesLocked validates the dependency list of a task about to be
// submitted: every id must be known, and following dependencies from them
// must never lead back to the task itself.
func (s *Scheduler) checkDependenciesLocked(task model.Task) error {
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return &DependencyCycleError{Path: []string{task.ID, task.ID}}
		}
		if _, ok := s.tasks[dep]; !ok {
			return &UnknownDependencyError{TaskID: task.ID, Dependency: dep}
		}
	}

	visited := make(map[string]bool)
	var path []string
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == task.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		path = append(path, id)
		rec, ok := s.tasks[id]
		if ok {
			for _, dep := range rec.task.Dependencies {
				if walk(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}

	for _, dep := range task.Dependencies {
		if walk(dep) {
			cycle := append([]string{task.ID}, path...)
			return &DependencyCycleError{Path: append(cycle, task.ID)}
		}
	}
	return nil
}

// dependencyState summarizes a task's dependencies: whether all completed,
// and the first one that can never complete.
func (s *Scheduler) dependencyState(rec *taskRecord) (ready bool, broken string) {
	ready = true
	for _, dep := range rec.task.Dependencies {
		d, ok := s.tasks[dep]
		if !ok {
			return false, dep
		}
		switch d.task.Status {
		case model.TaskCompleted:
		case model.TaskFailed, model.TaskCancelled:
			return false, dep
		default:
			ready = false
		}
	}
	return ready, ""
}
