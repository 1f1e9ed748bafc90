package domain

import "strings"

// Button is one of the fixed gamepad inputs a participant can vote for.
type Button string

const (
	ButtonUp     Button = "up"
	ButtonDown   Button = "down"
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonA      Button = "a"
	ButtonB      Button = "b"
	ButtonX      Button = "x"
	ButtonY      Button = "y"
	ButtonL      Button = "l"
	ButtonR      Button = "r"
	ButtonStart  Button = "start"
	ButtonSelect Button = "select"
)

// Buttons lists every valid button.
var Buttons = []Button{
	ButtonUp, ButtonDown, ButtonLeft, ButtonRight,
	ButtonA, ButtonB, ButtonX, ButtonY,
	ButtonL, ButtonR, ButtonStart, ButtonSelect,
}

// ButtonPriority is the tie-break order used when two buttons share the highest
// vote count in a round. Earlier entries win.
var ButtonPriority = []Button{
	ButtonB, ButtonY, ButtonSelect, ButtonStart,
	ButtonUp, ButtonDown, ButtonLeft, ButtonRight,
	ButtonA, ButtonX, ButtonL, ButtonR,
}

// ParseButton normalizes s and reports whether it names a valid button.
func ParseButton(s string) (Button, bool) {
	b := Button(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", false
	}
	return b, true
}

func (b Button) Valid() bool {
	for _, candidate := range Buttons {
		if b == candidate {
			return true
		}
	}
	return false
}

func (b Button) String() string { return string(b) }

// Phase distinguishes the press and release half of a button interaction.
type Phase string

const (
	PhasePress   Phase = "press"
	PhaseRelease Phase = "release"
)

// Direction is the signal level sent to an actuator channel.
type Direction string

const (
	DirectionEngage  Direction = "engage"
	DirectionRelease Direction = "release"
)

// Channel identifies one physical actuator line (a GPIO pin on the controller board).
type Channel int

// PinMap maps each button to the actuator channel wired to it on one controller.
type PinMap map[Button]Channel

func (m PinMap) Channel(b Button) (Channel, bool) {
	ch, ok := m[b]
	return ch, ok
}

var ControllerOnePins = PinMap{
	ButtonLeft:   22,
	ButtonUp:     27,
	ButtonDown:   16,
	ButtonRight:  5,
	ButtonY:      23,
	ButtonB:      4,
	ButtonA:      25,
	ButtonL:      6,
	ButtonR:      12,
	ButtonStart:  24,
	ButtonX:      13,
	ButtonSelect: 18,
}

var ControllerTwoPins = PinMap{
	ButtonLeft:   106,
	ButtonUp:     104,
	ButtonDown:   105,
	ButtonRight:  107,
	ButtonY:      101,
	ButtonB:      100,
	ButtonA:      108,
	ButtonL:      110,
	ButtonR:      111,
	ButtonStart:  103,
	ButtonX:      109,
	ButtonSelect: 102,
}

// Controllers lists the pin maps in team order: team one drives controller one.
var Controllers = []PinMap{ControllerOnePins, ControllerTwoPins}
