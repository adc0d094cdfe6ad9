package domain

import "time"

// JobEvent is a progress notification published by a worker slot.
type JobEvent struct {
	JudgeJobID string    `json:"judgeJobId"`
	QuestionNo string    `json:"questionNo"`
	Slot       int       `json:"slot"`
	State      string    `json:"state"`
	Code       *int      `json:"code,omitempty"`
	At         time.Time `json:"at"`
}

// EventsChannel is the pub/sub channel workers publish progress on.
func EventsChannel(namespace string) string {
	return namespace + ":events"
}
