package compliance

import (
	"context"
	"fmt"
)

// BlocklistStore reports whether a participant has blocked a counterparty.
type BlocklistStore interface {
	IsBlocked(ctx context.Context, participantID, counterpartyID string) (bool, error)
}

// BlocklistHook rejects a settlement when the receiving participant has
// blocklisted the sender — one of the named rejection conditions in the
// submission contract.
type BlocklistHook struct {
	store BlocklistStore
}

// NewBlocklistHook creates a PRE_VALIDATE hook backed by store.
func NewBlocklistHook(store BlocklistStore) *BlocklistHook {
	return &BlocklistHook{store: store}
}

func (h *BlocklistHook) Name() HookName { return PreValidate }

func (h *BlocklistHook) Evaluate(ctx context.Context, req Request) (Result, error) {
	blocked, err := h.store.IsBlocked(ctx, req.CounterpartyID, req.ParticipantID)
	if err != nil {
		return Result{}, fmt.Errorf("compliance: blocklist check: %w", err)
	}
	if blocked {
		return Result{Decision: DecisionReject, Reason: "receiver has blocklisted sender", HookName: string(PreValidate)}, nil
	}
	return Result{Decision: DecisionApprove, HookName: string(PreValidate)}, nil
}

var _ HookPoint = (*BlocklistHook)(nil)

// WatchlistStore flags counterparties requiring manual compliance review
// (e.g. sanctions screening hits), without outright rejecting them.
type WatchlistStore interface {
	IsWatchlisted(ctx context.Context, participantID string) (bool, error)
}

// WatchlistHook routes settlements touching a watchlisted participant to
// pending_review rather than rejecting them outright.
type WatchlistHook struct {
	store WatchlistStore
	hook  HookName
}

// NewWatchlistHook creates a watchlist hook for the given call site.
func NewWatchlistHook(store WatchlistStore, hook HookName) *WatchlistHook {
	return &WatchlistHook{store: store, hook: hook}
}

func (h *WatchlistHook) Name() HookName { return h.hook }

func (h *WatchlistHook) Evaluate(ctx context.Context, req Request) (Result, error) {
	flagged, err := h.store.IsWatchlisted(ctx, req.ParticipantID)
	if err != nil {
		return Result{}, fmt.Errorf("compliance: watchlist check: %w", err)
	}
	if flagged {
		return Result{Decision: DecisionReview, Reason: "participant is watchlisted", HookName: string(h.hook)}, nil
	}
	return Result{Decision: DecisionApprove, HookName: string(h.hook)}, nil
}

var _ HookPoint = (*WatchlistHook)(nil)
