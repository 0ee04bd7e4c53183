package bot

import (
	"context"

	"spacegate/internal/matrix"
)

// roomRole classifies a membership event by whose membership changed and in
// which monitored space.
type roomRole int

const (
	roleNone    roomRole = iota // a room this system does not monitor
	roleSelf                    // the bot's own membership
	rolePublic                  // the outer, unrestricted space
	rolePrivate                 // the restricted space
)

// transition keys the dispatch table: one handler per (room role,
// membership kind) pair. Pairs absent from the table are ignored.
type transition struct {
	role       roomRole
	membership string
}

type handlerFunc func(ctx context.Context, ev matrix.MemberEvent) error

func (w *Watcher) buildDispatch() map[transition]handlerFunc {
	return map[transition]handlerFunc{
		{roleSelf, "invite"}:    w.acceptInvite,
		{rolePublic, "join"}:    w.publicJoin,
		{rolePublic, "leave"}:   w.publicLeave,
		{rolePublic, "ban"}:     w.publicLeave,
		{rolePrivate, "join"}:   w.privateJoin,
		{rolePrivate, "leave"}:  w.privateLeave,
		{rolePrivate, "ban"}:    w.privateLeave,
	}
}

// roleFor resolves the event's role. The bot's own membership takes
// priority over the room classification: a self event is never interpreted
// as a foreign-user transition.
func (w *Watcher) roleFor(ev matrix.MemberEvent) roomRole {
	if ev.UserID == w.transport.UserID() {
		return roleSelf
	}
	switch ev.RoomID {
	case w.cfg.PublicSpaceID:
		return rolePublic
	case w.cfg.PrivateSpaceID:
		return rolePrivate
	}
	return roleNone
}
