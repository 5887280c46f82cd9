package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
)

// NATSPresenter publishes session events to a NATS subject where the UI
// process picks them up. Publish failures are logged and dropped; the
// contract is fire and forget.
type NATSPresenter struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPresenter connects to the NATS server and returns a presenter
// publishing to subject.
func NewNATSPresenter(url, subject string) (*NATSPresenter, error) {
	if subject == "" {
		return nil, fmt.Errorf("notification subject is required")
	}

	conn, err := nats.Connect(url,
		nats.Name("fieldtrack-presenter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("Notification presenter connected", "url", url, "subject", subject)
	return &NATSPresenter{conn: conn, subject: subject}, nil
}

// Show implements Presenter.
func (p *NATSPresenter) Show(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal notification event", logfields.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		slog.Warn("Failed to publish notification event",
			"kind", string(ev.Kind), logfields.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (p *NATSPresenter) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
