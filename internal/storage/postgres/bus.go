package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/coreidpin/coreidpin-sub004/internal/storage"
)

// Channel is the NOTIFY channel carrying key changes.
const Channel = "kv_changes"

// maxPayload keeps notifications under the server's 8000-byte NOTIFY limit.
const maxPayload = 7500

type notification struct {
	Namespace string         `json:"namespace"`
	Change    storage.Change `json:"change"`
}

// Bus is a storage.Bus over Postgres LISTEN/NOTIFY. Publishes go through the shared pool;
// a dedicated pgx connection listens.
type Bus struct {
	sqlDB     *sql.DB
	conn      *pgx.Conn
	namespace string
	logger    *slog.Logger
	subs      storage.Subscribers

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// OpenBus connects a listener to dsn and starts dispatching notifications for namespace.
func OpenBus(ctx context.Context, dsn string, sqlDB *sql.DB, namespace string, logger *slog.Logger) (*Bus, error) {
	if sqlDB == nil {
		return nil, errors.New("postgres bus: sql db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres bus: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("postgres bus: listen: %w", err)
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		sqlDB:     sqlDB,
		conn:      conn,
		namespace: namespace,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go b.listen(listenCtx)
	return b, nil
}

func (b *Bus) listen(ctx context.Context) {
	defer close(b.done)
	for {
		n, err := b.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("postgres bus: wait for notification", "error", err)
			}
			return
		}
		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			b.logger.Warn("postgres bus: malformed notification", "error", err)
			continue
		}
		if msg.Namespace != b.namespace {
			continue
		}
		b.subs.Dispatch(msg.Change)
	}
}

// Publish sends one NOTIFY per change. Values that would overflow the payload limit are
// dropped; subscribers re-read the store rather than trusting Value.
func (b *Bus) Publish(ctx context.Context, changes ...storage.Change) error {
	for _, c := range changes {
		payload, err := encode(b.namespace, c)
		if err != nil {
			return err
		}
		if _, err := b.sqlDB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, payload); err != nil {
			return fmt.Errorf("postgres bus: notify: %w", err)
		}
	}
	return nil
}

func encode(namespace string, c storage.Change) (string, error) {
	raw, err := json.Marshal(notification{Namespace: namespace, Change: c})
	if err != nil {
		return "", err
	}
	if len(raw) > maxPayload {
		c.Value = ""
		raw, err = json.Marshal(notification{Namespace: namespace, Change: c})
		if err != nil {
			return "", err
		}
	}
	return string(raw), nil
}

// Subscribe registers handler for keys. Handlers run on the listener goroutine.
func (b *Bus) Subscribe(keys []string, handler func(storage.Change)) func() {
	return b.subs.Add(keys, handler)
}

// Close stops the listener and closes its connection. It does not close the shared pool.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		<-b.done
		b.subs.Reset()
		err = b.conn.Close(context.Background())
	})
	return err
}
