package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubject prefixes forwarded event subjects
const DefaultSubject = "resolvd.events"

// publisher is the part of *nats.Conn the sink needs
type publisher interface {
	Publish(subject string, data []byte) error
}

// NatsSink forwards envelopes as JSON on <subject>.<kind>
type NatsSink struct {
	conn    publisher
	nc      *nats.Conn
	subject string
}

// DialNats connects to a NATS server and returns a sink publishing under subject
func DialNats(url, subject string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("resolvd-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logrus.Warnf("Disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.Infof("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	s := newNatsSink(nc, subject)
	s.nc = nc
	return s, nil
}

func newNatsSink(conn publisher, subject string) *NatsSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NatsSink{conn: conn, subject: subject}
}

// Subject returns the subject an event kind is published on
func (s *NatsSink) Subject(kind Kind) string {
	return s.subject + "." + string(kind)
}

// Deliver implements Sink
func (s *NatsSink) Deliver(env Envelope) error {
	if s == nil || s.conn == nil {
		return errors.New("nats sink not initialized")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(env.Kind), data)
}

// Close drains and closes the connection
func (s *NatsSink) Close() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
}
