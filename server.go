package channelsync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nlstn/go-channelsync/internal/taskstore"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// ServeHTTP serves the status API.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// ListenAndServe serves the status API on cfg.HTTP.Addr until ctx ends, then
// shuts down gracefully.
func (s *Service) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log().Info("channelsync: status API listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Task returns one task.
func (s *Service) Task(ctx context.Context, id int64) (*Task, error) {
	return s.store.Get(ctx, id)
}

// Status counts a company's tasks by state. channelID 0 covers every
// channel.
func (s *Service) Status(ctx context.Context, companyID, channelID int64) (Counts, error) {
	return s.store.CountByState(ctx, taskstore.Filter{CompanyID: companyID, ChannelID: channelID})
}

// TreeStatus counts a task and its descendants by state.
func (s *Service) TreeStatus(ctx context.Context, id int64) (Counts, error) {
	return s.store.TreeCounts(ctx, id)
}

// DeleteTask removes a task with all its descendants. Deletion is how
// running work is cancelled: handlers observe it through Request.CheckAlive
// and their outcome is dropped.
func (s *Service) DeleteTask(ctx context.Context, id int64) (int64, error) {
	return s.store.DeleteSubtree(ctx, id)
}

// Prune removes terminal tasks older than the retention window once.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	p, err := s.newPruner()
	if err != nil {
		return 0, err
	}
	return p.RunOnce(ctx)
}
