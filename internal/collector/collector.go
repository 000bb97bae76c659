// Package collector wires the Edge Collector binary's pieces together:
// the bounded in-memory buffer, the exponential-backoff retry queue,
// the syslog/RELP/MQTT listeners, the flush loop that ships batches to
// the cloud (HTTPS bulk POST, or Kafka when configured), the retry
// loop, the metrics registry, and the fixed four-endpoint health
// server — all run under one cancellable context so SIGINT/SIGTERM
// drains in-flight work before exit (spec §4.D, SPEC_FULL.md §3.D).
//
// Grounded on cmd/gastrolog/main.go's run()/serveAndAwaitShutdown
// orchestration pattern (build components, start background loops via
// a WaitGroup, block on context cancellation, then shut down in
// reverse order) generalized from one HTTP server to the Collector's
// several independent loops.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"centinela/internal/buffer"
	"centinela/internal/collectormetrics"
	"centinela/internal/ingest/kafka"
	"centinela/internal/ingest/mqtt"
	"centinela/internal/ingest/relp"
	"centinela/internal/ingest/syslog"
	"centinela/internal/logging"
	"centinela/internal/retryqueue"
)

// Config configures a Collector. Every *Addr/*Broker field left empty
// disables that listener/forwarder, matching the teacher's convention
// of an empty address meaning "not configured" rather than a separate
// enabled flag.
type Config struct {
	APIURL string
	APIKey string

	UDPAddr string
	TCPAddr string
	RELPAddr string

	MQTTBroker string
	MQTTTopic  string

	KafkaBrokers []string
	KafkaTopic   string

	HealthAddr string

	BatchSize          int
	FlushInterval      time.Duration
	MaxBufferSize      int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryCheckInterval time.Duration

	CollectorName string
	SiteID        string
	Version       string // reported in the Uploader's User-Agent header

	Logger *slog.Logger
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = 5 * time.Second
	}
	if out.MaxBufferSize <= 0 {
		out.MaxBufferSize = 10000
	}
	if out.RetryCheckInterval <= 0 {
		out.RetryCheckInterval = time.Second
	}
	if out.Version == "" {
		out.Version = "dev"
	}
	return out
}

// Collector runs one Edge Collector instance end to end.
type Collector struct {
	cfg        Config
	buf        *buffer.Buffer
	retry      *retryqueue.Queue
	registry   *collectormetrics.Registry
	uploader   *Uploader
	kafka      *kafka.Forwarder
	health     *healthServer
	logger     *slog.Logger
	configEcho collectormetrics.ConfigEcho

	syslogListener *syslog.Listener
	relpListener   *relp.Listener
	mqttListener   *mqtt.Listener
}

// New builds a Collector from cfg. Listeners and the Kafka forwarder
// are constructed but not started until Run.
func New(cfg Config) (*Collector, error) {
	resolved := cfg.withDefaults()
	logger := logging.Default(resolved.Logger).With("component", "collector")

	buf := buffer.New(resolved.MaxBufferSize)
	retry := retryqueue.New(retryqueue.Config{
		MaxRetries: resolved.MaxRetries,
		BaseDelay:  resolved.RetryBaseDelay,
		MaxDelay:   resolved.RetryMaxDelay,
	})

	c := &Collector{
		cfg:      resolved,
		buf:      buf,
		retry:    retry,
		registry: collectormetrics.New(),
		uploader: NewUploader(resolved.APIURL, resolved.APIKey, resolved.CollectorName, resolved.Version),
		logger:   logger,
		configEcho: collectormetrics.ConfigEcho{
			BatchSize:       resolved.BatchSize,
			FlushIntervalMS: int(resolved.FlushInterval.Milliseconds()),
			MaxRetries:      resolved.MaxRetries,
		},
	}

	if resolved.KafkaBrokers != nil {
		fwd, err := kafka.New(kafka.Config{
			Brokers: resolved.KafkaBrokers,
			Topic:   resolved.KafkaTopic,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		c.kafka = fwd
	}

	if resolved.UDPAddr != "" || resolved.TCPAddr != "" {
		c.syslogListener = syslog.New(syslog.Config{UDPAddr: resolved.UDPAddr, TCPAddr: resolved.TCPAddr, Logger: logger}, buf)
	}
	if resolved.RELPAddr != "" {
		c.relpListener = relp.New(relp.Config{Addr: resolved.RELPAddr, Logger: logger}, buf)
	}
	if resolved.MQTTBroker != "" {
		c.mqttListener = mqtt.New(mqtt.Config{Broker: resolved.MQTTBroker, Topic: resolved.MQTTTopic, Logger: logger}, buf)
	}

	c.health = newHealthServer(resolved.HealthAddr, c)

	return c, nil
}

// Run starts every configured listener, the flush loop, and the retry
// loop, and blocks until ctx is cancelled. On return, the buffer has
// been drained as completely as one final flush pass allows (spec
// §4.D: "flush the full buffer in one or more batches; make one final
// retry pass").
func (c *Collector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				c.logger.Error("loop stopped with error", "loop", name, "error", err)
				errCh <- err
			}
		}()
	}

	if c.syslogListener != nil {
		runLoop("syslog", c.syslogListener.Run)
	}
	if c.relpListener != nil {
		runLoop("relp", c.relpListener.Run)
	}
	if c.mqttListener != nil {
		runLoop("mqtt", c.mqttListener.Run)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.flushLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.retryLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.health.run(); err != nil {
			c.logger.Error("health server error", "error", err)
			errCh <- err
		}
	}()

	<-ctx.Done()
	c.logger.Info("shutdown signal received, draining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.health.shutdown(shutdownCtx); err != nil {
		c.logger.Warn("health server shutdown error", "error", err)
	}
	c.drainOnShutdown(shutdownCtx)

	wg.Wait()
	close(errCh)

	c.logger.Info("shutdown complete", "dlq_size", c.retry.DLQSize())
	return nil
}

// drainOnShutdown flushes whatever remains in the buffer, in
// BatchSize-sized batches, and makes one final retry pass, per the
// graceful-shutdown contract in spec §4.D.
func (c *Collector) drainOnShutdown(ctx context.Context) {
	for {
		batch := c.buf.PopBatch(c.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}
		c.flushBatch(ctx, batch)
	}
	for _, entry := range c.retry.GetReady() {
		c.flushBatch(ctx, []buffer.Event{entry.Event})
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := c.buf.PopBatch(c.cfg.BatchSize)
			if len(batch) == 0 {
				continue
			}
			c.flushBatch(ctx, batch)
		}
	}
}

func (c *Collector) flushBatch(ctx context.Context, batch []buffer.Event) {
	started := time.Now()
	defer func() { c.registry.ObserveLatency(time.Since(started)) }()

	if c.kafka != nil {
		if err := c.kafka.Send(ctx, batch); err != nil {
			c.logger.Warn("kafka send failed, requeuing batch", "error", err, "size", len(batch))
			c.requeueFailed(batch)
			return
		}
		c.registry.AddSent(uint64(len(batch)))
		return
	}

	accepted, err := c.uploader.Send(ctx, batch)
	c.registry.AddSent(uint64(accepted))
	if err != nil {
		c.logger.Warn("bulk upload incomplete, requeuing remainder", "error", err, "accepted", accepted, "size", len(batch))
		c.requeueFailed(batch[accepted:])
	}
}

func (c *Collector) requeueFailed(events []buffer.Event) {
	for _, ev := range events {
		c.registry.AddFailed(1)
		if c.retry.Enqueue(ev, 1) {
			c.registry.IncRetryQueued()
		} else {
			c.registry.IncRetryDLQ()
		}
	}
}

func (c *Collector) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RetryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := c.retry.GetReady()
			if len(ready) == 0 {
				continue
			}
			events := make([]buffer.Event, len(ready))
			for i, e := range ready {
				events[i] = e.Event
			}
			accepted, err := c.uploader.Send(ctx, events)
			for i := 0; i < accepted; i++ {
				c.registry.IncRetrySuccess()
			}
			if err != nil {
				for _, e := range ready[accepted:] {
					if c.retry.Enqueue(e.Event, e.Attempts+1) {
						c.registry.IncRetryQueued()
					} else {
						c.registry.IncRetryDLQ()
					}
				}
			}
		}
	}
}

func (c *Collector) tcpConnCount() int {
	if c.syslogListener == nil {
		return 0
	}
	return c.syslogListener.TCPConnCount()
}
