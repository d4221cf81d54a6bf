package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"motionstill/internal/logging"
	"motionstill/internal/queue"
	"motionstill/internal/services"
	"motionstill/internal/stage"
)

// processItem runs an already-claimed item through conversion and, when a
// clip was produced, tagging.
func (m *Manager) processItem(ctx context.Context, item *queue.Item) error {
	itemCtx := services.WithItemID(ctx, item.ID)
	itemCtx = services.WithRequestID(itemCtx, uuid.NewString())

	if err := m.runStage(itemCtx, item, "convert", queue.StatusConverting, m.convertStage); err != nil {
		return err
	}

	if item.VideoPath != "" && !m.cfg.Tagging.Skip {
		item.Status = queue.StatusTagging
		if err := m.store.Update(itemCtx, item); err != nil {
			m.setLastError(err)
			return err
		}
		if err := m.runStage(itemCtx, item, "tagging", queue.StatusTagging, m.tagStage); err != nil {
			return err
		}
	}

	item.Status = queue.StatusCompleted
	item.LastHeartbeat = nil
	item.SetProgress("completed", "conversion complete")
	if err := m.store.Update(itemCtx, item); err != nil {
		m.setLastError(err)
		return err
	}
	logging.WithContext(itemCtx, m.logger).Info("item completed",
		logging.Int64("item_id", item.ID),
		logging.String("still", item.StillPath),
		logging.String("clip", item.VideoPath))
	return nil
}

func (m *Manager) runStage(ctx context.Context, item *queue.Item, name string, processing queue.Status, handler stage.Handler) error {
	stageCtx := services.WithStage(ctx, name)
	logger := logging.WithContext(stageCtx, m.logger)

	item.Status = processing
	item.ErrorMessage = ""
	if err := handler.Prepare(stageCtx, item); err != nil {
		m.failItem(stageCtx, item, name, err)
		return err
	}
	if err := m.store.Update(stageCtx, item); err != nil {
		m.setLastError(err)
		logger.Error("failed to persist stage preparation", logging.Error(err))
		return err
	}
	logger.Info("stage started", logging.Int64("item_id", item.ID), logging.String("source", item.SourcePath))

	if err := m.executeWithHeartbeat(stageCtx, handler, item); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("stage interrupted by shutdown")
			return err
		}
		m.failItem(stageCtx, item, name, err)
		return err
	}

	if err := m.store.Update(stageCtx, item); err != nil {
		m.setLastError(err)
		logger.Error("failed to persist stage result", logging.Error(err))
		return err
	}
	logger.Info("stage completed", logging.Int64("item_id", item.ID))
	return nil
}

func (m *Manager) executeWithHeartbeat(ctx context.Context, handler stage.Handler, item *queue.Item) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, item.ID)

	execErr := handler.Execute(ctx, item)
	hbCancel()
	hbWG.Wait()
	return execErr
}

// failItem persists a stage failure. Deterministic failures park the item
// as skipped; everything else stays failed and retryable.
func (m *Manager) failItem(ctx context.Context, item *queue.Item, stageName string, stageErr error) {
	m.setLastError(stageErr)

	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = stageName + " failed"
	}
	if services.FailureStatus(stageErr) == queue.StatusSkipped {
		item.SetSkipped(message)
	} else {
		item.SetFailed(message)
	}

	logger := logging.WithContext(ctx, m.logger)
	logger.Error("stage failed",
		logging.Int64("item_id", item.ID),
		logging.String("resolved_status", string(item.Status)),
		logging.Error(stageErr))

	if err := m.store.Update(ctx, item); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("shutdown interrupted failure persistence")
		} else {
			logger.Error("failed to persist stage failure", logging.Error(err))
		}
	}
}
