// Package worker implements the delivery engine: the loop that drains the
// pending queue and walks each notification through the bus-then-push cascade.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/activityhub/notification-dispatcher/internal/config"
	"github.com/activityhub/notification-dispatcher/internal/domain"
	"github.com/activityhub/notification-dispatcher/internal/metrics"
)

// deliveryResult is the terminal classification of one delivery attempt.
type deliveryResult int

const (
	resultBus deliveryResult = iota
	resultPush
	resultFailed
)

// cycleStats accumulates totals for one drain of the queue.
type cycleStats struct {
	processed int
	bus       int
	push      int
	failed    int
}

// Processor is the delivery engine. It wakes on a listener signal or on the
// poll-interval failsafe, claims pending rows in batches, and delivers each
// via the bus with fallback to push.
type Processor struct {
	store   domain.NotificationStore
	bus     domain.BusPublisher
	push    domain.PushSender
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     config.WorkerConfig

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewProcessor creates a Processor. bus and push may be nil when the
// corresponding sink is not configured.
func NewProcessor(
	store domain.NotificationStore,
	bus domain.BusPublisher,
	push domain.PushSender,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg config.WorkerConfig,
) *Processor {
	return &Processor{
		store:   store,
		bus:     bus,
		push:    push,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start launches the engine loop.
func (p *Processor) Start(ctx context.Context, wake <-chan struct{}) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(ctx, wake)

	p.logger.Info("delivery engine started",
		"poll_interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
		"max_retries", p.cfg.MaxRetries,
		"bus_enabled", p.bus != nil,
		"push_enabled", p.push != nil,
	)

	return nil
}

// Stop cancels the engine and waits for the in-flight notification to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("delivery engine stopped gracefully")
	case <-time.After(30 * time.Second):
		p.logger.Warn("delivery engine stop timed out")
	}
}

// run is the engine loop: drain, then sleep until a wake signal or the poll
// interval failsafe, whichever fires first. Wake signals are coalesced by the
// capacity-1 channel, so at most one extra cycle runs per idle period.
func (p *Processor) run(ctx context.Context, wake <-chan struct{}) {
	defer p.wg.Done()

	var cycle uint64
	for {
		cycle++
		p.processAllPending(ctx)

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
			p.logger.Debug("worker woke on notify signal", "cycle", cycle)
		case <-time.After(p.cfg.PollInterval):
			p.logger.Debug("worker woke on poll timeout", "cycle", cycle)
		}
	}
}

// processAllPending drains the queue in batches until a fetch returns empty
// or fails. A persistence error aborts the drain; the next cycle retries.
func (p *Processor) processAllPending(ctx context.Context) {
	start := time.Now()
	var stats cycleStats

	for {
		notifications, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize)
		if err != nil {
			p.logger.Error("failed to fetch pending notifications", "error", err)
			break
		}
		if len(notifications) == 0 {
			break
		}

		p.logger.Debug("processing batch", "size", len(notifications))

		for _, n := range notifications {
			switch p.processOne(ctx, n) {
			case resultBus:
				stats.bus++
				p.metrics.RecordDelivered(metrics.ChannelBus)
			case resultPush:
				stats.push++
				p.metrics.RecordDelivered(metrics.ChannelPush)
			case resultFailed:
				stats.failed++
				p.metrics.RecordFailed()
			}
			stats.processed++

			// Yield to cancellation between rows; the current row always
			// completes, including its outcome call.
			if ctx.Err() != nil {
				p.logCycle(stats, time.Since(start))
				return
			}
		}
	}

	if stats.processed > 0 {
		p.logCycle(stats, time.Since(start))
	}
}

func (p *Processor) logCycle(stats cycleStats, elapsed time.Duration) {
	p.logger.Info("drain cycle complete",
		"processed", stats.processed,
		"via_bus", stats.bus,
		"via_push", stats.push,
		"failed", stats.failed,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// processOne walks a single notification through the delivery state machine:
// bus first, push on zero fan-out or bus error, then exactly one terminal
// outcome call.
func (p *Processor) processOne(ctx context.Context, n *domain.Notification) deliveryResult {
	if n.IsBroadcast() {
		return p.processBroadcast(ctx, n)
	}

	logger := p.logger.With("notification_id", n.ID, "user_id", n.UserID)
	start := time.Now()

	if p.bus != nil {
		deliveredTo, err := p.bus.PublishToUser(ctx, n.UserID, domain.UserEnvelope(n))
		switch {
		case err != nil:
			logger.Warn("bus delivery failed, falling back to push", "error", err)
		case deliveredTo > 0:
			logger.Info("delivered via bus",
				"delivered_to", deliveredTo,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			p.markSuccess(ctx, n.ID)
			return resultBus
		default:
			logger.Debug("user has no active bus connections, falling back to push")
		}
	}

	deviceCount, err := p.sendViaPush(ctx, n)
	if err != nil {
		logger.Warn("delivery failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		p.markFailure(ctx, n.ID, err.Error())
		return resultFailed
	}

	logger.Info("delivered via push",
		"devices", deviceCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	p.markSuccess(ctx, n.ID)
	return resultPush
}

// processBroadcast fans a broadcast row out to the global bus topic and the
// push topic "all". The row is marked processed regardless of sink outcomes
// so a failing sink cannot block the queue head.
func (p *Processor) processBroadcast(ctx context.Context, n *domain.Notification) deliveryResult {
	logger := p.logger.With("notification_id", n.ID)
	logger.Info("processing broadcast notification")

	busOK := false
	pushOK := false

	if p.bus != nil {
		deliveredTo, err := p.bus.PublishToTopic(ctx, domain.TopicGlobal, domain.BroadcastEnvelope(n))
		if err != nil {
			logger.Error("failed to publish broadcast to bus", "error", err)
		} else {
			logger.Info("broadcast published to bus",
				"topic", domain.TopicGlobal,
				"delivered_to", deliveredTo,
			)
			busOK = true
		}
	}

	if p.push != nil {
		if err := p.push.SendToTopic(ctx, "all", n); err != nil {
			logger.Error("failed to send push broadcast", "error", err)
		} else {
			logger.Info("broadcast pushed to topic", "topic", "all")
			pushOK = true
		}
	} else {
		logger.Debug("push not configured, skipping broadcast push")
	}

	p.markSuccess(ctx, n.ID)

	if busOK || pushOK {
		return resultBus
	}
	return resultFailed
}

// sendViaPush fans the notification out to every registered device of the
// recipient. Invalid tokens are removed and do not count as failures unless
// no device succeeded.
func (p *Processor) sendViaPush(ctx context.Context, n *domain.Notification) (int, error) {
	if p.push == nil {
		return 0, domain.ErrFCMNotConfigured
	}

	devices, err := p.store.GetUserDevices(ctx, n.UserID)
	if err != nil {
		return 0, err
	}
	if len(devices) == 0 {
		return 0, domain.ErrNoDevices
	}

	successCount := 0
	var lastErr error

	for _, device := range devices {
		err := p.push.Send(ctx, device.FCMToken, n)
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, domain.ErrInvalidToken):
			p.logger.Warn("removing invalid device token",
				"user_id", n.UserID,
				"device_type", device.DeviceType,
				"token", domain.MaskToken(device.FCMToken),
			)
			if removeErr := p.store.RemoveDevice(ctx, device.FCMToken); removeErr != nil {
				p.logger.Error("failed to remove invalid device token", "error", removeErr)
			}
		default:
			p.logger.Error("push send failed",
				"user_id", n.UserID,
				"device_type", device.DeviceType,
				"token", domain.MaskToken(device.FCMToken),
				"error", err,
			)
			lastErr = err
		}
	}

	if successCount > 0 {
		return successCount, nil
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, errors.New("all push attempts failed")
}

// markSuccess records terminal success. Outcome calls run on an uncancellable
// context so an in-flight row finishes cleanly during shutdown.
func (p *Processor) markSuccess(ctx context.Context, id uuid.UUID) {
	if _, err := p.store.MarkSuccess(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Error("failed to mark notification success",
			"notification_id", id,
			"error", err,
		)
	}
}

func (p *Processor) markFailure(ctx context.Context, id uuid.UUID, reason string) {
	maxReached, err := p.store.MarkFailure(context.WithoutCancel(ctx), id, reason, p.cfg.MaxRetries)
	if err != nil {
		p.logger.Error("failed to record notification failure",
			"notification_id", id,
			"error", err,
		)
		return
	}
	if maxReached {
		p.logger.Warn("notification permanently failed",
			"notification_id", id,
			"max_retries", p.cfg.MaxRetries,
		)
	}
}
