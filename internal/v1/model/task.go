package model

import "time"

// TaskStatus is the lifecycle status of a Task raised by pipeline
// processing (e.g. an intelligence binding's response requesting follow
// up work).
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of follow-up work associated with a room and, usually,
// the event that created it.
type Task struct {
	ID             TaskID
	RoomID         RoomID
	CreatedByEvent EventID
	Title          string
	Status         TaskStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Metadata       map[string]any
}
