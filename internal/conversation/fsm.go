// Package conversation implements the chat dialog that collects check-in
// details and turns driver and owner commands into intents.
package conversation

import (
	"strings"

	"valet/internal/ledger"
)

// State is the position of one phone number in the dialog.
type State string

const (
	StateIdle                   State = "idle"
	StateAwaitingCheckInConfirm State = "awaiting_checkin_confirm"
	StateAwaitingPlate          State = "awaiting_plate"
	StateAwaitingOwner          State = "awaiting_owner"
	StateAwaitingModel          State = "awaiting_model"
	StateAwaitingContact        State = "awaiting_contact"
	StateAwaitingStatusChoice   State = "awaiting_status_choice"
)

var allStates = []State{
	StateIdle,
	StateAwaitingCheckInConfirm,
	StateAwaitingPlate,
	StateAwaitingOwner,
	StateAwaitingModel,
	StateAwaitingContact,
	StateAwaitingStatusChoice,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

// collecting reports whether the dialog is waiting for free-form intake text.
func (s State) collecting() bool {
	switch s {
	case StateAwaitingPlate, StateAwaitingOwner, StateAwaitingModel, StateAwaitingContact:
		return true
	}
	return false
}

// Event is the lexical class of an inbound message.
type Event string

const (
	EventGreeting  Event = "greeting"
	EventCheckIn   Event = "checkin"
	EventRetrieval Event = "retrieval"
	EventStatus    Event = "status"
	EventChoice    Event = "choice"
	EventCancel    Event = "cancel"
	EventScan      Event = "scan"
	EventImage     Event = "image"
	EventText      Event = "text"
)

var keywords = map[string]Event{
	"hi":        EventGreeting,
	"hello":     EventGreeting,
	"hey":       EventGreeting,
	"check-in":  EventCheckIn,
	"checkin":   EventCheckIn,
	"check in":  EventCheckIn,
	"retrieval": EventRetrieval,
	"retrieve":  EventRetrieval,
	"status":    EventStatus,
	"free":      EventChoice,
	"busy":      EventChoice,
	"cancel":    EventCancel,
	"stop":      EventCancel,
}

// Classify maps a message to its event. Matching is case-insensitive.
func Classify(text string, hasImage bool) Event {
	if hasImage {
		return EventImage
	}
	if ledger.IsScan(text) {
		return EventScan
	}
	if ev, ok := keywords[strings.ToLower(strings.TrimSpace(text))]; ok {
		return ev
	}
	return EventText
}

// Transition is one row of the dialog table.
type Transition struct {
	From State
	On   Event
	To   State
}

// Transitions lists every state-specific row. Scan, image, cancel and
// greeting are accepted in any state and handled before this table.
var Transitions = []Transition{
	{StateIdle, EventRetrieval, StateIdle},
	{StateIdle, EventStatus, StateAwaitingStatusChoice},
	{StateAwaitingCheckInConfirm, EventCheckIn, StateAwaitingPlate},
	{StateAwaitingCheckInConfirm, EventRetrieval, StateIdle},
	{StateAwaitingCheckInConfirm, EventStatus, StateAwaitingStatusChoice},
	{StateAwaitingPlate, EventText, StateAwaitingOwner},
	{StateAwaitingOwner, EventText, StateAwaitingModel},
	{StateAwaitingModel, EventText, StateAwaitingContact},
	{StateAwaitingContact, EventText, StateIdle},
	{StateAwaitingStatusChoice, EventChoice, StateIdle},
}

// FSM answers which moves the dialog table allows.
type FSM struct {
	next map[State]map[Event]State
}

// NewFSM builds the dialog table.
func NewFSM() *FSM {
	f := &FSM{next: make(map[State]map[Event]State, len(allStates))}
	for _, t := range Transitions {
		if f.next[t.From] == nil {
			f.next[t.From] = make(map[Event]State)
		}
		f.next[t.From][t.On] = t.To
	}
	return f
}

// Next returns the state reached from s on ev, if the table defines it.
func (f *FSM) Next(s State, ev Event) (State, bool) {
	to, ok := f.next[s][ev]
	return to, ok
}
