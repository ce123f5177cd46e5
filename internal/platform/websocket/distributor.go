package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Server to client events.
const (
	EventMessageNew          = "message:new"
	EventConversationUpdated = "conversation:updated"
	EventConversationTyping  = "conversation:typing"
	EventError               = "error"
)

// Client to server events.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
)

// Scope addresses an event. The conversation room always receives it. With a
// BranchID the branch room and privileged observers receive it; without one
// (global-identity channels) every connected client does. UserIDs adds
// specific users on top, e.g. an assignee.
type Scope struct {
	ConversationID uuid.UUID
	BranchID       *uuid.UUID
	UserIDs        []string
}

// Distributor turns scoped domain events into frames on the hub.
type Distributor struct {
	hub *Hub
}

func NewDistributor(hub *Hub) *Distributor {
	return &Distributor{hub: hub}
}

// Emit encodes payload under event and queues it for every client in scope.
// Delivery is at-most-once: disconnected or lagging clients miss the event.
func (d *Distributor) Emit(event string, scope Scope, payload any) error {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}

	rooms := []string{ConversationRoom(scope.ConversationID)}
	for _, uid := range scope.UserIDs {
		if uid != "" {
			rooms = append(rooms, UserRoom(uid))
		}
	}

	everyone := scope.BranchID == nil
	if !everyone {
		rooms = append(rooms, BranchRoom(*scope.BranchID), AllBranchesRoom)
	}

	n := d.hub.Deliver(rooms, everyone, data, nil)
	d.hub.logger.Debug().
		Str("event", event).
		Str("conversation_id", scope.ConversationID.String()).
		Int("recipients", n).
		Msg("event emitted")
	return nil
}

func encodeFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	data, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return data, nil
}
