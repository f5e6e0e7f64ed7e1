// Package notify announces terminal builds to external collaborators
// (mailers, app registries) over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleepzon/apkforge/internal/logfields"
)

// Notification is the payload published when a build reaches a terminal
// state.
type Notification struct {
	BuildID        string    `json:"build_id"`
	PackageID      string    `json:"package_id"`
	AppName        string    `json:"app_name"`
	OutputKind     string    `json:"output_kind"`
	State          string    `json:"state"`
	ContactEmail   string    `json:"contact_email,omitempty"`
	DownloadURL    string    `json:"download_url,omitempty"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	FailureSummary string    `json:"failure_summary,omitempty"`
	At             time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Notification) error { return nil }
func (Noop) Close() error                               { return nil }

// NATSPublisher publishes notifications on <subject>.<state>, for example
// apkforge.builds.published.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// New connects to url. An empty url yields a Noop publisher.
func New(url, subject string) (Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return Noop{}, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("apkforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", logfields.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("NATS notifications enabled", slog.String("url", url), slog.String("subject", subject))
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(n)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(SubjectFor(p.subject, n.State), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	slog.Debug("Published build notification", logfields.BuildID(n.BuildID), logfields.State(n.State))
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// Encode renders n as the JSON message body consumers receive.
func Encode(n Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}

func SubjectFor(base, state string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), ".")
	if base == "" {
		base = "apkforge.builds"
	}
	return base + "." + strings.ToLower(state)
}
