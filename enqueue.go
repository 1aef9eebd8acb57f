package channelsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nlstn/go-channelsync/internal/broker"
	"github.com/nlstn/go-channelsync/internal/catalog"
	"github.com/nlstn/go-channelsync/internal/observability"
	"github.com/nlstn/go-channelsync/internal/payload"
	"github.com/nlstn/go-channelsync/internal/taskstore"
)

// EnqueueRequest describes a task to submit.
type EnqueueRequest struct {
	CompanyID int64
	ChannelID int64
	Payload   Payload
	// ParentID makes the task a child of an unfinished task.
	ParentID *int64
	// Deduplicate reuses an unfinished task with the same coordinates and
	// payload. The existing task is marked modified instead.
	Deduplicate bool
}

// Enqueue inserts a pending task and publishes a wake-up for it. It returns
// the id of the new task, or of the task it was merged into.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if req.Payload == nil {
		return 0, fmt.Errorf("%w: payload is required", ErrValidation)
	}
	raw, err := payload.Encode(req.Payload)
	if err != nil {
		return 0, err
	}
	res, err := s.enqueuer(s.log()).Enqueue(ctx, taskstore.EnqueueParams{
		CompanyID:     req.CompanyID,
		ChannelID:     req.ChannelID,
		Operation:     req.Payload.Operation(),
		OperationData: raw,
		ParentID:      req.ParentID,
		Deduplicate:   req.Deduplicate,
	})
	if err != nil {
		return 0, err
	}
	return res.Task.ID, nil
}

// Wake makes a suspended task pending now and publishes a wake-up for it.
// It reports false when the task exists but is not suspended.
func (s *Service) Wake(ctx context.Context, id int64) (bool, error) {
	return s.enqueuer(s.log()).Wake(ctx, id)
}

func (s *Service) enqueuer(logger *slog.Logger) *wakingEnqueuer {
	return &wakingEnqueuer{store: s.store, channels: s.catalog, publisher: s.publisher, logger: logger, obs: s.obs}
}

// channelResolver is the part of the catalog enqueue checks against.
type channelResolver interface {
	ChannelName(ctx context.Context, channelID int64) (string, error)
}

// wakingEnqueuer inserts through the store and then publishes a wake-up. A
// failed publish is only logged: the poll loop finds the task anyway.
type wakingEnqueuer struct {
	store     *taskstore.Store
	channels  channelResolver
	publisher broker.Publisher
	logger    *slog.Logger
	obs       *observability.Config
}

func (e *wakingEnqueuer) Enqueue(ctx context.Context, p taskstore.EnqueueParams) (*taskstore.EnqueueResult, error) {
	if p.ChannelID != 0 && e.channels != nil {
		if _, err := e.channels.ChannelName(ctx, p.ChannelID); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, fmt.Errorf("%w: channel %d is not in the catalog", taskstore.ErrValidation, p.ChannelID)
			}
			return nil, err
		}
	}
	res, err := e.store.Enqueue(ctx, p)
	if err != nil {
		return nil, err
	}
	if !res.Deduplicated || res.Woken {
		e.publish(ctx, res.Task.ID)
	}
	return res, nil
}

// Wake makes a suspended task pending and publishes a wake-up for it.
func (e *wakingEnqueuer) Wake(ctx context.Context, id int64) (bool, error) {
	woke, err := e.store.Wake(ctx, id)
	if err != nil || !woke {
		return woke, err
	}
	e.publish(ctx, id)
	return true, nil
}

func (e *wakingEnqueuer) publish(ctx context.Context, id int64) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, broker.WakeUp{TaskID: id}); err != nil {
		e.logger.Warn("channelsync: publishing wake-up failed",
			observability.LogFieldTaskID, id, "error", err)
		e.obs.Metrics().RecordError(ctx, "broker", "publish")
	}
}
