package bot

import (
	"context"
	"errors"
	"strings"

	"spacegate/internal/linking"
	"spacegate/internal/matrix"
)

// acceptInvite joins any room the bot itself is invited to. This is how
// the bot enters the monitored spaces in the first place.
func (w *Watcher) acceptInvite(ctx context.Context, ev matrix.MemberEvent) error {
	w.log.Info("received invite", "room", ev.RoomID, "from", ev.Sender)
	if err := w.transport.JoinRoom(ctx, ev.RoomID); err != nil {
		return err
	}
	w.log.Info("accepted invite", "room", ev.RoomID)
	return nil
}

// publicJoin records a new public-space member and sends them the welcome
// notice with their profile link. Re-joins keep the existing token and
// just resend the notice.
func (w *Watcher) publicJoin(ctx context.Context, ev matrix.MemberEvent) error {
	user, err := w.linking.UpsertChatUser(ev.UserID)
	if err != nil {
		return err
	}
	w.log.Info("user joined public space", "user", ev.UserID)

	botID := w.transport.UserID()
	botName, err := w.transport.DisplayName(ctx, botID)
	if err != nil {
		botName = botID
	}
	text, html := welcomeMessage(botID, mentionHTML(botID, botName), w.profileURL(user.Token))
	w.notify(ctx, ev.UserID, text, html)
	return nil
}

// publicLeave handles a user leaving (or being banned from) the public
// space: notify them, delete their record (cascading to an orphaned
// account), and remove them from every room under both spaces.
func (w *Watcher) publicLeave(ctx context.Context, ev matrix.MemberEvent) error {
	_, err := w.linking.GetChatUser(ev.UserID)
	if errors.Is(err, linking.ErrUnknownChatUser) {
		w.log.Warn("public space leaver has no record", "user", ev.UserID)
		return nil
	}
	if err != nil {
		return err
	}

	text, html := goodbyeMessage()
	w.notify(ctx, ev.UserID, text, html)

	if err := w.linking.RemoveChatUser(ev.UserID); err != nil {
		if errors.Is(err, linking.ErrUnknownChatUser) {
			// Raced with the web boundary; the record is already gone.
			return nil
		}
		return err
	}
	w.log.Info("user left public space, record deleted", "user", ev.UserID)

	w.sweep(ctx, w.cfg.PublicSpaceID, ev.UserID, kickReasonDeleted)
	w.sweep(ctx, w.cfg.PrivateSpaceID, ev.UserID, kickReasonDeleted)
	return nil
}

// privateJoin flags the user as a private-space member and confirms the
// completed link.
func (w *Watcher) privateJoin(ctx context.Context, ev matrix.MemberEvent) error {
	user, err := w.linking.MarkJoinedPrivate(ev.UserID)
	if errors.Is(err, linking.ErrUnknownChatUser) {
		w.log.Warn("private space joiner has no record", "user", ev.UserID)
		return nil
	}
	if err != nil {
		return err
	}
	w.log.Info("user joined private space", "user", ev.UserID)

	text, html := successMessage(w.profileURL(user.Token))
	w.notify(ctx, ev.UserID, text, html)
	return nil
}

// privateLeave unlinks the account of a user who left (or was banned from)
// the private space and removes them from its sub-rooms. The token
// survives so the user can re-link later.
func (w *Watcher) privateLeave(ctx context.Context, ev matrix.MemberEvent) error {
	user, err := w.linking.GetChatUser(ev.UserID)
	if errors.Is(err, linking.ErrUnknownChatUser) {
		w.log.Warn("private space leaver has no record", "user", ev.UserID)
		return nil
	}
	if err != nil {
		return err
	}
	if user.AccountEmail == nil {
		w.log.Warn("private space leaver had no linked account", "user", ev.UserID)
		return nil
	}

	if _, err := w.linking.Unlink(user.Token); err != nil {
		if errors.Is(err, linking.ErrTokenNotFound) {
			return nil
		}
		return err
	}
	w.log.Info("user left private space, account unlinked", "user", ev.UserID)

	text, html := unlinkMessage(w.profileURL(user.Token))
	w.notify(ctx, ev.UserID, text, html)

	w.sweep(ctx, w.cfg.PrivateSpaceID, ev.UserID, kickReasonUnlinked)
	return nil
}

func profileURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/profile/" + token
}
