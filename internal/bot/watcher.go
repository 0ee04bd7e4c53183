// Package bot runs the long-lived membership watcher: a single consumer
// loop that pulls batches of membership events from the homeserver,
// filters them through the processed-event ledger, and drives the linking
// state machine. Events are handled strictly one at a time, in delivery
// order; the sync resume cursor is persisted after each completed batch.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"spacegate/internal/ledger"
	"spacegate/internal/linking"
	"spacegate/internal/matrix"
	"spacegate/internal/models"
)

// Transport is the chat-transport surface the watcher consumes.
type Transport interface {
	UserID() string
	Sync(ctx context.Context, since string, timeout time.Duration) (*matrix.SyncBatch, error)
	JoinRoom(ctx context.Context, roomID string) error
	SendNotice(ctx context.Context, roomID, text, html string) error
	FindOrCreateDirectRoom(ctx context.Context, userID string) (string, error)
	DisplayName(ctx context.Context, userID string) (string, error)
	HierarchyTransport
}

type Config struct {
	PublicSpaceID  string
	PrivateSpaceID string
	BaseURL        string // external base URL of the web process
	// SkipEvents marks every deliverable event as processed without
	// running its handler. Used once, to initialize a fresh database
	// against a space with existing history.
	SkipEvents  bool
	SyncTimeout time.Duration
}

type Watcher struct {
	transport  Transport
	db         *gorm.DB
	ledger     *ledger.Ledger
	linking    *linking.Service
	reconciler *Reconciler
	cfg        Config
	log        *slog.Logger
	dispatch   map[transition]handlerFunc
}

func New(transport Transport, conn *gorm.DB, cfg Config, log *slog.Logger) *Watcher {
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	w := &Watcher{
		transport:  transport,
		db:         conn,
		ledger:     ledger.New(conn),
		linking:    linking.NewService(conn, log),
		reconciler: NewReconciler(transport, log),
		cfg:        cfg,
		log:        log,
	}
	w.dispatch = w.buildDispatch()
	return w
}

// Run consumes sync batches until ctx is cancelled. An in-flight event
// handler is always completed before Run returns; the cursor only advances
// past a batch once every event in it has been handled and marked.
func (w *Watcher) Run(ctx context.Context) error {
	since, err := w.loadCursor()
	if err != nil {
		return err
	}
	w.log.Info("membership watcher started", "since", since, "skip_events", w.cfg.SkipEvents)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := w.transport.Sync(ctx, since, w.cfg.SyncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("sync failed, retrying", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := w.processBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The cursor stays put: the failed event is redelivered on
			// the next sync and everything already handled is filtered
			// by the ledger.
			w.log.Error("batch aborted, will replay", "error", err)
			continue
		}

		if err := w.saveCursor(batch.NextBatch); err != nil {
			return err
		}
		since = batch.NextBatch
	}
}

func (w *Watcher) processBatch(ctx context.Context, batch *matrix.SyncBatch) error {
	for _, ev := range batch.Events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The handler gets its own deadline, detached from shutdown:
		// an in-flight transition always runs to completion.
		evCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		err := w.handleEvent(evCtx, ev)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// handleEvent dispatches one membership event. Events with an id pass
// through the ledger and are marked processed only after their handler
// succeeds; partial events (no id) bypass the ledger entirely.
func (w *Watcher) handleEvent(ctx context.Context, ev matrix.MemberEvent) error {
	handler := w.dispatch[transition{w.roleFor(ev), ev.Membership}]

	if ev.EventID == "" {
		if handler == nil {
			return nil
		}
		return handler(ctx, ev)
	}

	fresh, err := w.ledger.ShouldProcess(ev.EventID)
	if err != nil {
		return err
	}
	if !fresh {
		w.log.Debug("skipping already processed event", "event", ev.EventID)
		return nil
	}

	if handler != nil {
		if w.cfg.SkipEvents {
			w.log.Debug("skipping event handler", "event", ev.EventID)
		} else if err := handler(ctx, ev); err != nil {
			return err
		}
	}
	return w.ledger.MarkProcessed(ev.EventID)
}

func (w *Watcher) loadCursor() (string, error) {
	var cursor models.SyncCursor
	err := w.db.First(&cursor, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor.NextBatch, nil
}

func (w *Watcher) saveCursor(nextBatch string) error {
	return w.db.Save(&models.SyncCursor{ID: 1, NextBatch: nextBatch}).Error
}

// notify sends a direct notice, best-effort: the database is the source of
// truth and a failed delivery never rolls a transition back.
func (w *Watcher) notify(ctx context.Context, userID, text, html string) {
	roomID, err := w.transport.FindOrCreateDirectRoom(ctx, userID)
	if err != nil {
		w.log.Warn("could not open direct room", "user", userID, "error", err)
		return
	}
	if err := w.transport.SendNotice(ctx, roomID, text, html); err != nil {
		w.log.Warn("could not deliver notice", "user", userID, "error", err)
	}
}

// sweep runs a hierarchy reconciliation and swallows its failure: per spec
// the cleanup is abandoned for this invocation, not retried.
func (w *Watcher) sweep(ctx context.Context, rootID, userID, reason string) {
	if _, err := w.reconciler.Sweep(ctx, rootID, userID, reason); err != nil {
		w.log.Warn("hierarchy sweep abandoned", "root", rootID, "user", userID, "error", err)
	}
}

func (w *Watcher) profileURL(token string) string {
	return profileURL(w.cfg.BaseURL, token)
}
