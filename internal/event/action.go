package event

import (
	"fmt"
	"time"
)

// Direction says whether a key or button goes down, up, or both.
type Direction uint8

const (
	Click Direction = iota
	Press
	Release
)

func (d Direction) String() string {
	switch d {
	case Press:
		return "Press"
	case Release:
		return "Release"
	case Click:
		return "Click"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// Button is a pointer button. The scroll buttons exist because X11 reports
// wheel motion as clicks of buttons 4 through 7.
type Button uint8

const (
	Left Button = iota + 1
	Middle
	Right
	ScrollUp
	ScrollDown
	ScrollLeft
	ScrollRight
	Back
	Forward
)

var buttonNames = map[Button]string{
	Left:        "Left",
	Middle:      "Middle",
	Right:       "Right",
	ScrollUp:    "ScrollUp",
	ScrollDown:  "ScrollDown",
	ScrollLeft:  "ScrollLeft",
	ScrollRight: "ScrollRight",
	Back:        "Back",
	Forward:     "Forward",
}

func (b Button) String() string {
	if n, ok := buttonNames[b]; ok {
		return n
	}
	return fmt.Sprintf("Button(%d)", uint8(b))
}

// Valid reports whether b is one of the defined buttons.
func (b Button) Valid() bool {
	_, ok := buttonNames[b]
	return ok
}

// XButton returns the core protocol button number (1..9).
func (b Button) XButton() uint8 { return uint8(b) }

// IsScroll reports whether the button stands for wheel motion.
func (b Button) IsScroll() bool {
	return b >= ScrollUp && b <= ScrollRight
}

// Linux input event codes for the physical buttons.
const (
	BtnLeft    uint32 = 0x110
	BtnRight   uint32 = 0x111
	BtnMiddle  uint32 = 0x112
	BtnForward uint32 = 0x115
	BtnBack    uint32 = 0x116
)

// EvdevCode returns the Linux input event code for a physical button.
// ok is false for the scroll buttons.
func (b Button) EvdevCode() (uint32, bool) {
	switch b {
	case Left:
		return BtnLeft, true
	case Right:
		return BtnRight, true
	case Middle:
		return BtnMiddle, true
	case Back:
		return BtnBack, true
	case Forward:
		return BtnForward, true
	}
	return 0, false
}

// Coordinate selects absolute screen coordinates or a relative offset.
type Coordinate uint8

const (
	Abs Coordinate = iota
	Rel
)

func (c Coordinate) String() string {
	if c == Rel {
		return "Rel"
	}
	return "Abs"
}

// Axis is the scroll direction.
type Axis uint8

const (
	Vertical Axis = iota
	Horizontal
)

func (a Axis) String() string {
	if a == Horizontal {
		return "Horizontal"
	}
	return "Vertical"
}

// Action is one step of an input sequence. The set of implementations is
// closed.
type Action interface {
	isAction()
	fmt.Stringer
}

type KeyAction struct {
	Key       Key
	Direction Direction
}

type ButtonAction struct {
	Button    Button
	Direction Direction
}

type MoveAction struct {
	X, Y       int32
	Coordinate Coordinate
}

// ScrollAction scrolls by Amount notches. Positive amounts scroll down or
// right.
type ScrollAction struct {
	Axis   Axis
	Amount int32
}

type PauseAction struct {
	Duration time.Duration
}

func (KeyAction) isAction()    {}
func (ButtonAction) isAction() {}
func (MoveAction) isAction()   {}
func (ScrollAction) isAction() {}
func (PauseAction) isAction()  {}

func (a KeyAction) String() string    { return fmt.Sprintf("%s %s", a.Direction, a.Key) }
func (a ButtonAction) String() string { return fmt.Sprintf("%s %s", a.Direction, a.Button) }
func (a MoveAction) String() string   { return fmt.Sprintf("Move%s(%d,%d)", a.Coordinate, a.X, a.Y) }
func (a ScrollAction) String() string { return fmt.Sprintf("Scroll%s(%d)", a.Axis, a.Amount) }
func (a PauseAction) String() string  { return fmt.Sprintf("Pause(%s)", a.Duration) }
