// Package notify delivers outbound chat messages off the request path.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"valet/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned when the outbox cannot take more messages.
var ErrQueueFull = errors.New("outbox queue full")

// ErrClosed is returned after Stop.
var ErrClosed = errors.New("outbox closed")

// Message is one outbound text or image.
type Message struct {
	To        string
	Text      string
	ImageURL  string
	ImageData []byte
	Caption   string
}

// Kind labels the message for metrics.
func (m Message) Kind() string {
	if m.ImageURL != "" || len(m.ImageData) > 0 {
		return "image"
	}
	return "text"
}

// Sender is implemented by channel clients.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to string, msg Message) error
}

// Config sizes the outbox.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSecond float64
	Burst         int
	SendTimeout   time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     256,
		RatePerSecond: 20,
		Burst:         30,
		SendTimeout:   15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// Outbox queues messages and sends them from a worker pool.
// Delivery is best effort: failures are logged and counted, never retried.
type Outbox struct {
	sender  Sender
	cfg     Config
	limiter *rate.Limiter
	queue   chan Message
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started sync.Once
}

func NewOutbox(sender Sender, cfg Config, logger *zerolog.Logger) *Outbox {
	cfg = cfg.withDefaults()
	return &Outbox{
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		queue:   make(chan Message, cfg.QueueSize),
		logger:  logger.With().Str("component", "outbox").Logger(),
	}
}

// Start launches the workers. They exit when ctx is done or Stop drains the queue.
func (o *Outbox) Start(ctx context.Context) {
	o.started.Do(func() {
		for i := 0; i < o.cfg.Workers; i++ {
			o.wg.Add(1)
			go o.worker(ctx)
		}
		o.logger.Info().Int("workers", o.cfg.Workers).Msg("Outbox started")
	})
}

// Enqueue adds a message without blocking.
func (o *Outbox) Enqueue(msg Message) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.queue <- msg:
		return nil
	default:
		metrics.IncOutbound(msg.Kind(), "dropped")
		o.logger.Warn().Str("to", msg.To).Str("kind", msg.Kind()).Msg("Outbox full, message dropped")
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for queued messages to be sent.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Outbox) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-o.queue:
			if !ok {
				return
			}
			o.deliver(ctx, msg)
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, msg Message) {
	if err := o.limiter.Wait(ctx); err != nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	var err error
	if msg.Kind() == "image" {
		err = o.sender.SendImage(sendCtx, msg.To, msg)
	} else {
		err = o.sender.SendText(sendCtx, msg.To, msg.Text)
	}
	if err != nil {
		metrics.IncOutbound(msg.Kind(), "failed")
		o.logger.Error().Err(err).Str("to", msg.To).Str("kind", msg.Kind()).Msg("Failed to send message")
		return
	}
	metrics.IncOutbound(msg.Kind(), "sent")
}
