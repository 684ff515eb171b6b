// Package dbbridge maintains the runtime's Postgres LISTEN/NOTIFY
// connection, installs generic notify triggers on demand, and fans incoming
// notifications out to a caller-supplied dispatch callback (§4.5).
//
// Grounded directly in the teacher's pkg/events/listener.go: a dedicated
// pgx.Conn, a single receiveLoop goroutine that serializes all LISTEN/
// UNLISTEN/NOTIFY access through a command channel (avoiding pgx's "conn
// busy" restriction), and a generation counter per channel so a stale
// UNLISTEN issued before a newer LISTEN can't tear down an active
// subscription.
package dbbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyHandler is invoked once per incoming notification on a matching
// channel. Wired by the Runtime aggregate to look up registry functions and
// invoke the harness — dbbridge itself has no knowledge of functions.
type NotifyHandler func(ctx context.Context, channel string, payload []byte)

type listenCmd struct {
	sql     string
	channel string
	gen     uint64
	result  chan error
}

// Bridge owns the single LISTEN connection and the set of currently
// listened channels.
type Bridge struct {
	connString string

	connMu sync.Mutex
	conn   *pgx.Conn

	channelsMu sync.Mutex
	channels   map[string]struct{}

	listenGenMu sync.Mutex
	listenGen   map[string]uint64

	cmdCh chan listenCmd

	handlersMu sync.Mutex
	handlers   []NotifyHandler

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New constructs a Bridge. Start must be called before EnsureListener.
func New(connString string) *Bridge {
	return &Bridge{
		connString: connString,
		channels:   make(map[string]struct{}),
		listenGen:  make(map[string]uint64),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// OnNotify registers a handler invoked for every incoming notification.
func (b *Bridge) OnNotify(h NotifyHandler) {
	b.handlersMu.Lock()
	b.handlers = append(b.handlers, h)
	b.handlersMu.Unlock()
}

// Start opens the LISTEN connection and spawns the receive loop plus the
// reconnect watchdog. The loops are started even when the initial connect
// fails, so the watchdog keeps retrying the connection.
func (b *Bridge) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancelLoop = cancel
	b.loopDone = make(chan struct{})
	go b.receiveLoop(loopCtx)
	go b.watchdog(loopCtx)

	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
	return nil
}

// Stop closes the LISTEN connection and stops the background loops.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cancelLoop != nil {
		b.cancelLoop()
		<-b.loopDone
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		return b.conn.Close(ctx)
	}
	return nil
}

// Connected reports whether the bridge currently believes it holds a live
// connection (used by /health).
func (b *Bridge) Connected() bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

// ListenedChannels returns the channels currently tracked as LISTENed.
func (b *Bridge) ListenedChannels() []string {
	b.channelsMu.Lock()
	defer b.channelsMu.Unlock()
	out := make([]string, 0, len(b.channels))
	for c := range b.channels {
		out = append(out, c)
	}
	return out
}

// EnsureListener LISTENs on channel if not already tracked (§4.1/§4.5).
func (b *Bridge) EnsureListener(ctx context.Context, channel string) error {
	b.channelsMu.Lock()
	_, already := b.channels[channel]
	if !already {
		b.channels[channel] = struct{}{}
	}
	b.channelsMu.Unlock()
	if already {
		return nil
	}
	return b.sendCmd(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize()), channel)
}

func (b *Bridge) sendCmd(ctx context.Context, sql, channel string) error {
	b.listenGenMu.Lock()
	b.listenGen[channel]++
	gen := b.listenGen[channel]
	b.listenGenMu.Unlock()

	result := make(chan error, 1)
	select {
	case b.cmdCh <- listenCmd{sql: sql, channel: channel, gen: gen, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureTableTrigger installs, idempotently, a notify-function and
// AFTER-row trigger on table that emits JSON {operation, table, data?,
// old_data?} via pg_notify(channel, ...) (§4.5, §6). Best-effort: if the
// table does not yet exist, the caller logs and moves on; a later reload
// retries.
func (b *Bridge) EnsureTableTrigger(ctx context.Context, table, channel string) error {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection established")
	}

	fn := pgx.Identifier{"notify_" + table + "_changes"}.Sanitize()
	trigger := pgx.Identifier{table + "_notify_trigger"}.Sanitize()
	tbl := pgx.Identifier{table}.Sanitize()

	ddl := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
DECLARE
  payload json;
BEGIN
  IF TG_OP = 'DELETE' THEN
    payload := json_build_object('operation', TG_OP, 'table', TG_TABLE_NAME, 'old_data', row_to_json(OLD));
  ELSIF TG_OP = 'UPDATE' THEN
    payload := json_build_object('operation', TG_OP, 'table', TG_TABLE_NAME, 'data', row_to_json(NEW), 'old_data', row_to_json(OLD));
  ELSE
    payload := json_build_object('operation', TG_OP, 'table', TG_TABLE_NAME, 'data', row_to_json(NEW));
  END IF;
  PERFORM pg_notify(%s, payload::text);
  RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %s ON %s;
CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION %s();
`, fn, quoteLiteral(channel), trigger, tbl, trigger, tbl, fn)

	_, err := conn.Exec(ctx, ddl)
	return err
}

func quoteLiteral(s string) string {
	return "'" + s + "'"
}

// Notify issues a PostgreSQL NOTIFY on the shared connection (§4.2 POST /db-notify).
func (b *Bridge) Notify(ctx context.Context, channel, payload string) error {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection established")
	}
	_, err := conn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

func (b *Bridge) receiveLoop(ctx context.Context) {
	defer close(b.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.cmdCh:
			b.processCmd(ctx, cmd)
			continue
		default:
		}

		b.connMu.Lock()
		conn := b.conn
		b.connMu.Unlock()
		if conn == nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // timeout or transient error: loop back to check cmdCh
		}
		b.dispatch(ctx, notification.Channel, []byte(notification.Payload))
	}
}

func (b *Bridge) processCmd(ctx context.Context, cmd listenCmd) {
	b.listenGenMu.Lock()
	current := b.listenGen[cmd.channel]
	b.listenGenMu.Unlock()
	if cmd.gen != current {
		// A newer command for this channel superseded this one; skip to
		// avoid a stale UNLISTEN racing ahead of a fresh LISTEN.
		cmd.result <- nil
		return
	}
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		cmd.result <- fmt.Errorf("no connection established")
		return
	}
	_, err := conn.Exec(ctx, cmd.sql)
	cmd.result <- err
}

func (b *Bridge) dispatch(ctx context.Context, channel string, payload []byte) {
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		parsed = map[string]string{"raw": string(payload)}
		reencoded, _ := json.Marshal(parsed)
		payload = reencoded
	}
	b.handlersMu.Lock()
	handlers := append([]NotifyHandler(nil), b.handlers...)
	b.handlersMu.Unlock()
	for _, h := range handlers {
		h(ctx, channel, payload)
	}
}

// watchdog checks the connection every 30s and reconnects with backoff,
// re-LISTENing every previously tracked channel (§4.5 reconnection).
func (b *Bridge) watchdog(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.Connected() {
				continue
			}
			b.reconnect(ctx)
		}
	}
}

func (b *Bridge) reconnect(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := pgx.Connect(ctx, b.connString)
		if err != nil {
			slog.Warn("db bridge reconnect failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()

		b.channelsMu.Lock()
		channels := make([]string, 0, len(b.channels))
		for c := range b.channels {
			channels = append(channels, c)
		}
		b.channelsMu.Unlock()
		for _, c := range channels {
			if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{c}.Sanitize())); err != nil {
				slog.Warn("failed to re-listen after reconnect", "channel", c, "error", err)
			}
		}
		slog.Info("db bridge reconnected", "channels", len(channels))
		return
	}
}
