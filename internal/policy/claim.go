// Package policy holds the stateless rules the task store and the engine
// consult before mutating anything.
package policy

import "crm-flow/internal/domain"

// CanClaim reports whether userID may take ownership of task: either the task
// is already assigned to them or its role is among their roles.
func CanClaim(task *domain.Task, userID string, roles []string) bool {
	if task == nil {
		return false
	}
	if task.AssignedTo != "" && task.AssignedTo == userID {
		return true
	}
	if task.AssignedRole == "" {
		return false
	}
	for _, r := range roles {
		if r == task.AssignedRole {
			return true
		}
	}
	return false
}
