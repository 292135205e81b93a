package cache

import (
	"fmt"
)

func NewTaskIndex() *TaskIndex {
	return &TaskIndex{
		tasks: make(map[string]string),
	}
}

// Reserve the cache path for a new submission.
// Returns false if another request already holds it.
func (i *TaskIndex) Claim(cachePath string) bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.tasks[cachePath]; ok {
		return false
	}
	i.tasks[cachePath] = NO_TASK
	return true
}

// set task id for a claimed path, fails only if the path isn't claimed
func (i *TaskIndex) SetTask(cachePath, taskID string) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.tasks[cachePath]; ok {
		i.tasks[cachePath] = taskID
		return nil
	}
	return fmt.Errorf("failed to set task for '%s', path not claimed", cachePath)
}

// GetTask returns NO_TASK while the claim holder has not submitted yet
func (i *TaskIndex) GetTask(cachePath string) (string, bool) {
	i.lock.RLock()
	defer i.lock.RUnlock()

	id, ok := i.tasks[cachePath]
	return id, ok
}

func (i *TaskIndex) Release(cachePath string) {
	i.lock.Lock()
	defer i.lock.Unlock()

	delete(i.tasks, cachePath)
}

func (i *TaskIndex) Len() int {
	i.lock.RLock()
	defer i.lock.RUnlock()

	return len(i.tasks)
}
