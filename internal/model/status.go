package model

import (
	"errors"
	"fmt"
)

// Status is the lifecycle stage of an item. It only ever moves forward:
// lost → found → claimed. Claimed is terminal.
type Status string

const (
	StatusLost    Status = "lost"
	StatusFound   Status = "found"
	StatusClaimed Status = "claimed"
)

// ErrNoValidTransition is returned when an item's status has no forward
// transition left (already claimed) or the current status is unknown.
// It is a reportable condition, not a failure: the item is left unchanged.
var ErrNoValidTransition = errors.New("no valid status transition")

// Next returns the status that follows s. ok is false when s is terminal
// or not a known status.
func Next(s Status) (next Status, ok bool) {
	switch s {
	case StatusLost:
		return StatusFound, true
	case StatusFound:
		return StatusClaimed, true
	default:
		return "", false
	}
}

// ValidInitial reports whether a new report may start in status s.
// A report cannot be created as claimed.
func ValidInitial(s Status) bool {
	return s == StatusLost || s == StatusFound
}

// ParseStatus converts a stored status value to a Status. It accepts the
// canonical strings and the numeric ids used by legacy records (1, 2, 3).
func ParseStatus(v any) (Status, error) {
	switch t := v.(type) {
	case string:
		switch Status(t) {
		case StatusLost, StatusFound, StatusClaimed:
			return Status(t), nil
		}
		return "", fmt.Errorf("unknown status %q", t)
	case float64:
		return statusFromID(int(t))
	case int:
		return statusFromID(t)
	case int64:
		return statusFromID(int(t))
	}
	return "", fmt.Errorf("unsupported status type %T", v)
}

// Legacy numeric status ids.
func statusFromID(id int) (Status, error) {
	switch id {
	case 1:
		return StatusLost, nil
	case 2:
		return StatusFound, nil
	case 3:
		return StatusClaimed, nil
	}
	return "", fmt.Errorf("unknown status id %d", id)
}
