package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrHierarchyUnavailable means the room hierarchy itself could not be
// fetched, so no removals were attempted.
var ErrHierarchyUnavailable = errors.New("room hierarchy unavailable")

// hierarchyMaxDepth bounds the sweep against pathologically nested spaces.
const hierarchyMaxDepth = 9

// HierarchyTransport is the slice of the chat transport the reconciler
// needs.
type HierarchyTransport interface {
	Hierarchy(ctx context.Context, rootID string, maxDepth int, suggestedOnly bool) ([]string, error)
	Kick(ctx context.Context, roomID, userID, reason string) error
}

// Reconciler enumerates every room under a space and applies a membership
// removal to each one. Rooms are independent failure domains: one room's
// permission error must not block cleanup in the others.
type Reconciler struct {
	transport HierarchyTransport
	log       *slog.Logger
}

func NewReconciler(transport HierarchyTransport, log *slog.Logger) *Reconciler {
	return &Reconciler{transport: transport, log: log}
}

// SweepReport counts removal attempts for observability.
type SweepReport struct {
	Attempted int
	Succeeded int
}

// Sweep removes userID from every room under rootID. Per-room failures are
// logged and skipped; only a failure to fetch the hierarchy itself is
// returned, as ErrHierarchyUnavailable.
func (r *Reconciler) Sweep(ctx context.Context, rootID, userID, reason string) (SweepReport, error) {
	rooms, err := r.transport.Hierarchy(ctx, rootID, hierarchyMaxDepth, false)
	if err != nil {
		return SweepReport{}, fmt.Errorf("%w: %v", ErrHierarchyUnavailable, err)
	}

	var report SweepReport
	for _, roomID := range rooms {
		report.Attempted++
		if err := r.transport.Kick(ctx, roomID, userID, reason); err != nil {
			r.log.Warn("could not remove user from room",
				"room", roomID, "user", userID, "error", err)
			continue
		}
		report.Succeeded++
	}
	r.log.Info("hierarchy sweep finished",
		"root", rootID, "user", userID,
		"attempted", report.Attempted, "succeeded", report.Succeeded)
	return report, nil
}
