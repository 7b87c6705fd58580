package queue

import (
	"github.com/italolelis/drivequeue/internal/storage"
)

// EventType tells observers what changed.
type EventType int

const (
	// EventProgress carries the byte progress of a running transfer.
	EventProgress EventType = iota
	// EventFinished is published when a worker attempt ends.
	EventFinished
	// EventOutstanding carries the number of records left in a container.
	EventOutstanding
	// EventCancelled lists every record removed by one cancel request.
	EventCancelled
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	case EventOutstanding:
		return "outstanding"
	case EventCancelled:
		return "cancelled"
	}

	return "unknown"
}

// Event is published on the Records broadcaster, keyed by record ID, and on
// the Containers broadcaster, keyed by parent container ID.
type Event struct {
	Type      EventType
	Direction storage.Direction
	ParentID  string

	// Record is the state of the transfer for progress and finished events.
	Record storage.Record
	// Done and Total are the transferred and expected bytes.
	Done, Total int64
	// Removed reports that the record left the store after this attempt,
	// either done or out of retries.
	Removed bool

	Outstanding  int
	CancelledIDs []string
}

// Fraction returns the progress in [0, 1], or 0 when the size is unknown.
func (e Event) Fraction() float64 {
	if e.Total <= 0 {
		return 0
	}

	f := float64(e.Done) / float64(e.Total)
	if f > 1 {
		return 1
	}

	return f
}
