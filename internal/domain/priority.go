package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var priorityRegex = regexp.MustCompile(`^P([1-5])$`)

// Priority represents task priority, P1 through P5.
// P1 is the highest priority everywhere in this codebase.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
	PriorityP5 Priority = "P5"

	// PriorityDefault is assigned when a task is created without one.
	PriorityDefault = PriorityP3
)

// ParsePriority parses a string like "P2" into a Priority
func ParsePriority(s string) (Priority, error) {
	if !priorityRegex.MatchString(s) {
		return "", fmt.Errorf("invalid priority: %q (expected P1..P5)", s)
	}
	return Priority(s), nil
}

// Rank returns the sort rank of the priority. Lower rank sorts first,
// so P1 (rank 1) is picked before P5 (rank 5). Unknown values rank
// with the default priority.
func (p Priority) Rank() int {
	matches := priorityRegex.FindStringSubmatch(string(p))
	if matches == nil {
		return PriorityDefault.Rank()
	}
	n, _ := strconv.Atoi(matches[1]) // regex guarantees digits
	return n
}
