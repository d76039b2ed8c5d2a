// Package messaging carries build and cancel requests over NATS.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aurcache/aurcache/pkg/errors"
)

// Kind selects what a Message asks for.
type Kind string

const (
	KindBuild  Kind = "build"
	KindCancel Kind = "cancel"
)

// Message is the wire form of a request.
type Message struct {
	Kind    Kind  `json:"kind"`
	BuildID int64 `json:"build_id"`
}

// Reply answers a request that carried a reply subject.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Handler executes decoded requests.
type Handler interface {
	SubmitID(ctx context.Context, buildID int64) error
	Cancel(ctx context.Context, buildID int64) error
}

// Decode parses and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.E(errors.KindInvalid, "decode", err)
	}
	switch m.Kind {
	case KindBuild, KindCancel:
	default:
		return m, errors.Errorf(errors.KindInvalid, "decode", "unknown message kind %q", m.Kind)
	}
	if m.BuildID <= 0 {
		return m, errors.Errorf(errors.KindInvalid, "decode", "build_id must be positive, got %d", m.BuildID)
	}
	return m, nil
}

// Dispatch decodes data and hands it to h.
func Dispatch(ctx context.Context, h Handler, data []byte) Reply {
	m, err := Decode(data)
	if err == nil {
		switch m.Kind {
		case KindBuild:
			err = h.SubmitID(ctx, m.BuildID)
		case KindCancel:
			err = h.Cancel(ctx, m.BuildID)
		}
	}
	if err != nil {
		slog.Warn("message_rejected", "kind", m.Kind, "build_id", m.BuildID, "error", err)
		return Reply{Error: err.Error()}
	}
	slog.Info("message_handled", "kind", m.Kind, "build_id", m.BuildID)
	return Reply{OK: true}
}

// Subscriber feeds a subject into a Handler.
type Subscriber struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// Subscribe connects to url and dispatches every message on subject.
func Subscribe(ctx context.Context, url, subject string, h Handler) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("aurcache"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := Dispatch(ctx, h, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("reply_encode_failed", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("reply_failed", "subject", msg.Reply, "error", err)
		}
	})
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to subscribe")
	}

	slog.Info("nats_subscribed", "url", url, "subject", subject)
	return &Subscriber{conn: conn, sub: sub}, nil
}

// Close drains pending messages and closes the connection.
func (s *Subscriber) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return errors.Wrap(err, "failed to drain NATS connection")
	}
	return nil
}

// Request publishes m and waits for its reply.
func Request(ctx context.Context, url, subject string, m Message) (*Reply, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}

	conn, err := nats.Connect(url, nats.Name("aurcache-cli"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	defer conn.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("no reply on %s", subject))
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, errors.Wrap(err, "failed to decode reply")
	}
	return &reply, nil
}
