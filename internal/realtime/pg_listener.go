package realtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PGListener is a Listener backed by a single dedicated pgx connection —
// LISTEN/NOTIFY requires a session-scoped connection, not a pooled one, so
// this deliberately bypasses the pgxpool used everywhere else in
// internal/store.
type PGListener struct {
	dsn  string
	conn *pgx.Conn
}

func NewPGListenerFactory(dsn string) func() Listener {
	return func() Listener { return &PGListener{dsn: dsn} }
}

func (l *PGListener) Listen(ctx context.Context, channel string) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("dial dedicated listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("issue LISTEN: %w", err)
	}
	l.conn = conn
	return nil
}

func (l *PGListener) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (l *PGListener) Close() {
	if l.conn != nil {
		l.conn.Close(context.Background())
	}
}

var _ Listener = (*PGListener)(nil)
