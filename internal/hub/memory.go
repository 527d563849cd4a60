package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/observability"
	"github.com/coachpo/shopstream/internal/schema"
	"github.com/coachpo/shopstream/internal/telemetry"
)

// MemoryConfig sizes the in-memory hub.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// MemoryHub is an in-memory implementation of the broadcast hub.
type MemoryHub struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	// pubMu serializes the enqueue phase of Publish so events for the same
	// product reach every subscriber channel in publish order.
	pubMu sync.Mutex

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	droppedCounter         metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.StockChangedEvent
	once   sync.Once
}

// NewMemoryHub constructs a memory-backed broadcast hub.
func NewMemoryHub(cfg MemoryConfig) *MemoryHub {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	h := &MemoryHub{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("hub")
	h.eventsPublishedCounter, _ = meter.Int64Counter("hub.events.published",
		metric.WithDescription("Number of stock events published to the hub"),
		metric.WithUnit("{event}"))
	h.subscriberGauge, _ = meter.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	h.droppedCounter, _ = meter.Int64Counter("hub.delivery.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	h.fanoutHistogram, _ = meter.Int64Histogram("hub.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	h.publishDuration, _ = meter.Float64Histogram("hub.publish.duration",
		metric.WithDescription("Latency of hub publish operations"),
		metric.WithUnit("ms"))

	return h
}

// Publish fans the event out to every subscriber. The enqueue phase runs under
// pubMu, so two publishes for the same product can never cross on any
// subscriber channel; each subscriber channel is itself FIFO.
func (h *MemoryHub) Publish(ctx context.Context, evt schema.StockChangedEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("hub/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if evt.ProductID == 0 {
		return errs.New("hub/publish", errs.CodeInvalid, errs.WithMessage("product id required"))
	}

	start := time.Now()
	result := "success"
	defer func() {
		if h.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "hub.publish", result)
			h.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(attrs...))
		}
	}()

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	select {
	case <-h.ctx.Done():
		result = "closed"
		return errs.New("hub/publish", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	default:
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if h.fanoutHistogram != nil {
		h.fanoutHistogram.Record(ctx, int64(len(subs)), metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.ProductID)...))
	}

	if len(subs) == 0 {
		result = "no_subscribers"
		return nil
	}

	workerLimit := h.cfg.FanoutWorkers
	p := concpool.New().WithMaxGoroutines(workerLimit)
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			h.deliver(ctx, sub, evt)
		})
	}
	p.Wait()

	if h.eventsPublishedCounter != nil {
		h.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.ProductID)...))
	}
	return nil
}

// deliver enqueues the event for one subscriber, dropping the oldest buffered
// event under backpressure. Events carry absolute quantities, so a consumer
// that loses an intermediate value still converges on the next one.
func (h *MemoryHub) deliver(ctx context.Context, sub *subscriber, evt schema.StockChangedEvent) {
	select {
	case <-h.ctx.Done():
		return
	case <-ctx.Done():
		return
	case <-sub.ctx.Done():
		return
	case sub.ch <- evt:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	if h.droppedCounter != nil {
		h.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), string(evt.Type), evt.ProductID)...))
	}
	observability.Log().Debug("hub: subscriber buffer full, dropped oldest event",
		observability.F("product_id", evt.ProductID))

	select {
	case sub.ch <- evt:
	case <-sub.ctx.Done():
	case <-h.ctx.Done():
	default:
	}
}

// Subscribe registers a new subscriber and returns its ID and event channel.
// The channel closes when the subscription ends.
func (h *MemoryHub) Subscribe(ctx context.Context) (SubscriptionID, <-chan schema.StockChangedEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.ctx.Done():
		return "", nil, errs.New("hub/subscribe", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan schema.StockChangedEvent, h.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&h.nextID, 1)))

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(ctx, 1)
	}

	go h.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (h *MemoryHub) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), -1)
	}
	sub.close()
}

// Close shuts down the hub and all subscriptions.
func (h *MemoryHub) Close() {
	h.shutdownOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		for id, sub := range h.subscribers {
			sub.close()
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
	})
}

func (h *MemoryHub) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	h.mu.Lock()
	if stored, ok := h.subscribers[id]; ok && stored == sub {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	sub.close()
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
