package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// CorePublisher publishes on core NATS. Satisfied by *nats.Client.
type CorePublisher interface {
	PublishCore(subject string, data []byte) error
}

// NATSNotifier publishes notices on "<prefix>.<session>".
type NATSNotifier struct {
	pub    CorePublisher
	prefix string
	logger *slog.Logger
}

func NewNATSNotifier(pub CorePublisher, prefix string, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject notices for session are published on.
func (n *NATSNotifier) Subject(session string) string {
	return fmt.Sprintf("%s.%s", n.prefix, session)
}

func (n *NATSNotifier) Notify(_ context.Context, notice Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshaling notice: %w", err)
	}
	if err := n.pub.PublishCore(n.Subject(notice.Session), data); err != nil {
		return err
	}
	n.logger.Debug("notice published", "session_id", notice.Session, "level", notice.Level)
	return nil
}
