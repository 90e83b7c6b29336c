package clone

import "fmt"

// Admission-time errors returned synchronously from AddTask. Messages match
// the stable strings spec.md §6 promises callers.
var (
	ErrRepoExists           = fmt.Errorf("Repo already exists")
	ErrAlreadyInProgress    = fmt.Errorf("Task is already in progress")
	ErrInvalidDirectory     = fmt.Errorf("Invalid local directory")
	ErrInvalidDirectoryName = fmt.Errorf("Invalid local directory name")
	ErrInvalidRepoID        = fmt.Errorf("invalid repo id: must be 36 characters")
)

// ErrNotFound is returned by CancelTask/RemoveTask for an unknown repo_id.
var ErrNotFound = fmt.Errorf("clone task not found")

// ErrNotTerminal is returned by RemoveTask when the task has not reached a
// terminal state.
var ErrNotTerminal = fmt.Errorf("cannot remove a running task")
