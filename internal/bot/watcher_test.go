package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"spacegate/internal/db"
	"spacegate/internal/linking"
	"spacegate/internal/matrix"
	"spacegate/internal/models"
)

type sentNotice struct {
	userID string
	text   string
}

type kickCall struct {
	roomID string
	userID string
	reason string
}

// fakeTransport is an in-memory Transport capturing every side effect.
type fakeTransport struct {
	userID       string
	batches      []*matrix.SyncBatch
	cancel       context.CancelFunc
	notices      []sentNotice
	joins        []string
	kicks        []kickCall
	failKick     map[string]error
	hierarchy    map[string][]string
	hierarchyErr map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		userID:       "@gatekeeper:example.org",
		failKick:     map[string]error{},
		hierarchy:    map[string][]string{},
		hierarchyErr: map[string]error{},
	}
}

func (f *fakeTransport) UserID() string { return f.userID }

func (f *fakeTransport) Sync(ctx context.Context, since string, timeout time.Duration) (*matrix.SyncBatch, error) {
	if len(f.batches) == 0 {
		if f.cancel != nil {
			f.cancel()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeTransport) JoinRoom(ctx context.Context, roomID string) error {
	f.joins = append(f.joins, roomID)
	return nil
}

func (f *fakeTransport) SendNotice(ctx context.Context, roomID, text, html string) error {
	// roomID is "dm:<user>" as produced by FindOrCreateDirectRoom below.
	f.notices = append(f.notices, sentNotice{userID: strings.TrimPrefix(roomID, "dm:"), text: text})
	return nil
}

func (f *fakeTransport) FindOrCreateDirectRoom(ctx context.Context, userID string) (string, error) {
	return "dm:" + userID, nil
}

func (f *fakeTransport) DisplayName(ctx context.Context, userID string) (string, error) {
	return "Gatekeeper", nil
}

func (f *fakeTransport) Hierarchy(ctx context.Context, rootID string, maxDepth int, suggestedOnly bool) ([]string, error) {
	if err := f.hierarchyErr[rootID]; err != nil {
		return nil, err
	}
	return f.hierarchy[rootID], nil
}

func (f *fakeTransport) Kick(ctx context.Context, roomID, userID, reason string) error {
	if err := f.failKick[roomID]; err != nil {
		return err
	}
	f.kicks = append(f.kicks, kickCall{roomID: roomID, userID: userID, reason: reason})
	return nil
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeTransport, *gorm.DB) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	transport := newFakeTransport()
	w := New(transport, conn, Config{
		PublicSpaceID:  "!public:example.org",
		PrivateSpaceID: "!private:example.org",
		BaseURL:        "https://gate.example.org",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return w, transport, conn
}

func memberEvent(id, roomID, userID, membership string) matrix.MemberEvent {
	return matrix.MemberEvent{EventID: id, RoomID: roomID, UserID: userID, Sender: userID, Membership: membership}
}

// TestLifecycle walks one user through the whole flow: public join mints a
// token and a welcome notice, redeeming links an account, private join
// flags the membership, and private leave unlinks, deletes the orphaned
// account and sweeps the private hierarchy despite a per-room failure.
func TestLifecycle(t *testing.T) {
	w, transport, conn := newTestWatcher(t)
	ctx := context.Background()

	// U1 joins the public space.
	if err := w.handleEvent(ctx, memberEvent("$e1", "!public:example.org", "@u1:example.org", "join")); err != nil {
		t.Fatalf("public join: %v", err)
	}
	var user models.ChatUser
	if err := conn.First(&user, "id = ?", "@u1:example.org").Error; err != nil {
		t.Fatalf("chat user not created: %v", err)
	}
	if len(transport.notices) != 1 {
		t.Fatalf("expected 1 welcome notice, got %d", len(transport.notices))
	}
	wantURL := "https://gate.example.org/profile/" + user.Token
	if !strings.Contains(transport.notices[0].text, wantURL) {
		t.Errorf("welcome notice does not reference the profile URL %q:\n%s", wantURL, transport.notices[0].text)
	}

	// U1 verifies their identity on the web boundary.
	svc := linking.NewService(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res, err := svc.Redeem(user.Token, "a@studenti.unimore.it", "Ada", "Lovelace")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !res.InviteEligible {
		t.Error("redeem result should be invite eligible")
	}

	// U1 joins the private space.
	if err := w.handleEvent(ctx, memberEvent("$e2", "!private:example.org", "@u1:example.org", "join")); err != nil {
		t.Fatalf("private join: %v", err)
	}
	conn.First(&user, "id = ?", "@u1:example.org")
	if !user.JoinedPrivateSpace {
		t.Error("joined_private_space not set after private join")
	}
	if len(transport.notices) != 2 {
		t.Fatalf("expected success notice, got %d notices", len(transport.notices))
	}

	// U1 leaves the private space; one sub-room refuses the kick.
	transport.hierarchy["!private:example.org"] = []string{"!private:example.org", "!sub1:example.org", "!sub2:example.org"}
	transport.failKick["!sub1:example.org"] = fmt.Errorf("M_FORBIDDEN")

	if err := w.handleEvent(ctx, memberEvent("$e3", "!private:example.org", "@u1:example.org", "leave")); err != nil {
		t.Fatalf("private leave: %v", err)
	}

	conn.First(&user, "id = ?", "@u1:example.org")
	if user.AccountEmail != nil {
		t.Error("account link not cleared by private leave")
	}
	if user.JoinedPrivateSpace {
		t.Error("joined_private_space not cleared by private leave")
	}
	var accounts int64
	conn.Model(&models.Account{}).Count(&accounts)
	if accounts != 0 {
		t.Error("orphaned account survived private leave")
	}
	if len(transport.kicks) != 2 {
		t.Errorf("expected 2 successful kicks despite the failing room, got %d", len(transport.kicks))
	}
	if len(transport.notices) != 3 {
		t.Errorf("expected unlink notice, got %d notices", len(transport.notices))
	}
	if !strings.Contains(transport.notices[2].text, user.Token) {
		t.Error("unlink notice should carry the surviving token")
	}
}

// TestPublicLeave_NeverSeen verifies the degenerate leave: no record, no
// mutation and no notice, just a warning.
func TestPublicLeave_NeverSeen(t *testing.T) {
	w, transport, conn := newTestWatcher(t)

	if err := w.handleEvent(context.Background(), memberEvent("$e1", "!public:example.org", "@u2:example.org", "leave")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(transport.notices) != 0 {
		t.Error("no notice should be sent for a never-seen leaver")
	}
	var users int64
	conn.Model(&models.ChatUser{}).Count(&users)
	if users != 0 {
		t.Error("no chat user row should exist")
	}
}

// TestPublicLeave_SweepsBothSpaces verifies that a public-space leaver is
// removed from the rooms under both hierarchy roots, and that their record
// and orphaned account are deleted.
func TestPublicLeave_SweepsBothSpaces(t *testing.T) {
	w, transport, conn := newTestWatcher(t)
	ctx := context.Background()

	if err := w.handleEvent(ctx, memberEvent("$e1", "!public:example.org", "@u1:example.org", "join")); err != nil {
		t.Fatalf("join: %v", err)
	}
	var user models.ChatUser
	conn.First(&user, "id = ?", "@u1:example.org")
	svc := linking.NewService(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := svc.Redeem(user.Token, "a@studenti.unimore.it", "A", "B"); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	transport.hierarchy["!public:example.org"] = []string{"!public:example.org", "!general:example.org"}
	transport.hierarchy["!private:example.org"] = []string{"!private:example.org"}

	if err := w.handleEvent(ctx, memberEvent("$e2", "!public:example.org", "@u1:example.org", "ban")); err != nil {
		t.Fatalf("ban: %v", err)
	}

	var users, accounts int64
	conn.Model(&models.ChatUser{}).Count(&users)
	conn.Model(&models.Account{}).Count(&accounts)
	if users != 0 || accounts != 0 {
		t.Errorf("record cleanup incomplete: %d users, %d accounts", users, accounts)
	}
	if len(transport.kicks) != 3 {
		t.Errorf("expected kicks across both hierarchies, got %d", len(transport.kicks))
	}
	for _, k := range transport.kicks {
		if k.userID != "@u1:example.org" || k.reason != kickReasonDeleted {
			t.Errorf("unexpected kick %+v", k)
		}
	}
}

// TestHandleEvent_Deduplicates verifies that redelivering an event id runs
// its handler exactly once.
func TestHandleEvent_Deduplicates(t *testing.T) {
	w, transport, _ := newTestWatcher(t)
	ctx := context.Background()

	ev := memberEvent("$dup", "!public:example.org", "@u1:example.org", "join")
	if err := w.handleEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.handleEvent(ctx, ev); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if len(transport.notices) != 1 {
		t.Errorf("handler ran %d times, want 1", len(transport.notices))
	}
}

// TestHandleEvent_SelfInvite verifies that the bot accepts invites
// addressed to itself, even inside a monitored space, and that stripped
// invite events (no id) bypass the ledger.
func TestHandleEvent_SelfInvite(t *testing.T) {
	w, transport, _ := newTestWatcher(t)

	ev := matrix.MemberEvent{
		RoomID:     "!public:example.org",
		UserID:     "@gatekeeper:example.org",
		Sender:     "@admin:example.org",
		Membership: "invite",
	}
	if err := w.handleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(transport.joins) != 1 || transport.joins[0] != "!public:example.org" {
		t.Errorf("expected join of the inviting room, got %v", transport.joins)
	}
	if len(transport.notices) != 0 {
		t.Error("a self event must never run a foreign-user transition")
	}
}

// TestHandleEvent_UnmonitoredRoom verifies that membership changes in
// unmonitored rooms are marked processed but trigger nothing.
func TestHandleEvent_UnmonitoredRoom(t *testing.T) {
	w, transport, conn := newTestWatcher(t)

	if err := w.handleEvent(context.Background(), memberEvent("$x", "!elsewhere:example.org", "@u1:example.org", "join")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(transport.notices) != 0 {
		t.Error("unmonitored rooms must not trigger notices")
	}
	var processed int64
	conn.Model(&models.ProcessedEvent{}).Count(&processed)
	if processed != 1 {
		t.Errorf("event should still be marked processed, got %d rows", processed)
	}
}

// TestHandleEvent_SkipEvents verifies backfill mode: events are marked
// processed without running their handlers.
func TestHandleEvent_SkipEvents(t *testing.T) {
	w, transport, conn := newTestWatcher(t)
	w.cfg.SkipEvents = true

	if err := w.handleEvent(context.Background(), memberEvent("$s1", "!public:example.org", "@u1:example.org", "join")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var users, processed int64
	conn.Model(&models.ChatUser{}).Count(&users)
	conn.Model(&models.ProcessedEvent{}).Count(&processed)
	if users != 0 {
		t.Error("skip mode must not mutate membership state")
	}
	if processed != 1 {
		t.Error("skip mode must still mark events processed")
	}
	if len(transport.notices) != 0 {
		t.Error("skip mode must not send notices")
	}
}

// TestRun_PersistsCursor verifies that the resume cursor is stored after a
// batch completes, so a restarted watcher resumes instead of replaying.
func TestRun_PersistsCursor(t *testing.T) {
	w, transport, conn := newTestWatcher(t)

	transport.batches = []*matrix.SyncBatch{{
		NextBatch: "s42",
		Events: []matrix.MemberEvent{
			memberEvent("$r1", "!public:example.org", "@u1:example.org", "join"),
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport.cancel = cancel

	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	var cursor models.SyncCursor
	if err := conn.First(&cursor, 1).Error; err != nil {
		t.Fatalf("cursor row missing: %v", err)
	}
	if cursor.NextBatch != "s42" {
		t.Errorf("cursor = %q, want s42", cursor.NextBatch)
	}
	if len(transport.notices) != 1 {
		t.Errorf("batch event not processed, %d notices", len(transport.notices))
	}
}
