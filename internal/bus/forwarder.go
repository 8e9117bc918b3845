package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Forwarder republishes bus events to NATS so external notification and UI
// layers can consume them without linking against the daemon.
//
// Events are published as JSON to "<prefix>.<event_type>". Forwarding is
// best-effort: a publish failure is logged and does not affect the in-process
// subscribers.
type Forwarder struct {
	conn    *nats.Conn
	prefix  string
	logger  *zap.Logger
	sub     *Subscription
	busRef  *Bus
	ownConn bool
}

// NewForwarder connects to NATS and subscribes to all events on the bus.
func NewForwarder(b *Bus, url, subjectPrefix string, logger *zap.Logger) (*Forwarder, error) {
	if b == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if subjectPrefix == "" {
		subjectPrefix = "heald.events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.Name("heald-forwarder"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	f := &Forwarder{
		conn:    conn,
		prefix:  subjectPrefix,
		logger:  logger,
		busRef:  b,
		ownConn: true,
	}
	f.sub = b.SubscribeAll(f.forward)

	logger.Info("event forwarder connected",
		zap.String("url", url),
		zap.String("subject_prefix", subjectPrefix),
	)
	return f, nil
}

func (f *Forwarder) forward(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	subject := f.prefix + "." + string(event.Type)
	if err := f.conn.Publish(subject, data); err != nil {
		f.logger.Warn("failed to forward event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Close unsubscribes from the bus and drains the NATS connection.
func (f *Forwarder) Close() error {
	f.busRef.Unsubscribe(f.sub)
	if f.ownConn && f.conn != nil {
		if err := f.conn.Drain(); err != nil {
			f.conn.Close()
			return err
		}
	}
	return nil
}
