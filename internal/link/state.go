package link

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the serial link.
//
//	Closed -> Opening -> Synced <-> Desynced
//	any -> Faulted on I/O error, Faulted -> Opening on recovery
//	Closed again only on shutdown
type State int

const (
	Closed State = iota
	Opening
	Synced
	Desynced
	Faulted
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Synced:
		return "synced"
	case Desynced:
		return "desynced"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Usable reports whether reads and writes may be attempted in s.
func (s State) Usable() bool {
	return s == Opening || s == Synced || s == Desynced
}

// Transition describes one state change.
type Transition struct {
	From, To State
	Path     string
	At       time.Time
	Err      error
}

func (t Transition) String() string {
	if t.Err != nil {
		return fmt.Sprintf("%s -> %s (%s): %v", t.From, t.To, t.Path, t.Err)
	}
	return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Path)
}
