package publisher

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"livebus/internal/tracker"
)

type NATSPublisher struct {
	nc          *nats.Conn
	subject     string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NewNATSPublisher connects to url. Snapshots go to "<prefix>.vehicle_positions".
func NewNATSPublisher(url, prefix, clientName string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{
		nc:          nc,
		subject:     SnapshotSubject(prefix),
		logSubjects: logSubjects,
		metrics:     m,
	}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Attach mirrors every commit of store to NATS and returns the detach func.
func (p *NATSPublisher) Attach(store *tracker.Store) func() {
	return store.Subscribe(func(c tracker.Commit) {
		if err := p.PublishCommit(c); err != nil {
			log.Printf("nats publish v%d: %v", c.Version, err)
		}
	})
}

// PublishCommit encodes the commit as a GTFS-RT feed message and publishes it.
func (p *NATSPublisher) PublishCommit(c tracker.Commit) error {
	start := time.Now()
	b, err := EncodeCommit(c)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s entities=%d", p.subject, len(c.Entities))
	}
	err = p.nc.Publish(p.subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// SnapshotSubject builds the subject snapshots are published on.
func SnapshotSubject(prefix string) string {
	return subjectToken(prefix) + ".vehicle_positions"
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "livebus"
	}
	return s
}
