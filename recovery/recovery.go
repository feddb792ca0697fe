// Package recovery decides how parsing reacts to malformed input.
package recovery

import (
	"context"
	"fmt"
)

type Strategy interface {
	OnError(ctx context.Context, err error, location Location) Action
}

type Location struct {
	ByteOffset int64
	ObjectNum  int
	ObjectGen  int
	Component  string
}

func (l Location) String() string {
	if l.ObjectNum > 0 {
		return fmt.Sprintf("%s: object %d %d at offset %d", l.Component, l.ObjectNum, l.ObjectGen, l.ByteOffset)
	}
	return fmt.Sprintf("%s: offset %d", l.Component, l.ByteOffset)
}

type Action int

const (
	ActionFail Action = iota
	ActionSkip
	ActionFix
	ActionWarn
)

func (a Action) String() string {
	switch a {
	case ActionFail:
		return "fail"
	case ActionSkip:
		return "skip"
	case ActionFix:
		return "fix"
	case ActionWarn:
		return "warn"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}
