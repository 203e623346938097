// Package repl contains the binary log client the incremental dumper
// reads changes with.
package repl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/block/reshard/pkg/dbconn"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	driver "github.com/go-sql-driver/mysql"
)

const (
	// Maximum number of consecutive errors before recreating the streamer
	maxConsecutiveErrors = 5
	// Initial backoff duration for streamer recreation
	initialBackoffDuration = time.Second
	// Maximum backoff duration
	maxBackoffDuration = time.Minute
	// Backoff multiplier
	backoffMultiplier = 2
)

// These are really consts, but set to var for testing.
var (
	// maxRecreateAttempts is the maximum number of streamer recreation attempts before giving up.
	maxRecreateAttempts = 10
	retryInterval       = 100 * time.Millisecond
)

var (
	ErrBinlogDisabled        = errors.New("failed to get binlog position, check binary log is enabled")
	ErrImpossiblePosition    = errors.New("binlog position is impossible, the source may have already purged it")
	ErrStreamerUnrecoverable = errors.New("binlog streamer could not be recreated")
)

// EventType is the kind of row change in a rows event.
type EventType int

const (
	EventUnknown EventType = iota
	EventInsert
	EventUpdate
	EventDelete
)

// RowsEvent is a decoded rows event. For updates Rows holds before and
// after images in pairs.
type RowsEvent struct {
	Schema    string
	Table     string
	Type      EventType
	Rows      [][]any
	Timestamp time.Time
	Position  mysql.Position
}

// Handler receives the events of a stream in order. Returning an error
// stops the stream and Run returns it.
type Handler interface {
	OnRows(ctx context.Context, ev *RowsEvent) error
	OnDDL(ctx context.Context, schema, query string, pos mysql.Position) error
	// OnXID marks a committed transaction. It is the natural heartbeat of
	// a busy stream.
	OnXID(ctx context.Context, pos mysql.Position, ts time.Time) error
}

type ClientConfig struct {
	ServerID uint32
	Logger   *slog.Logger
}

// NewClientDefaultConfig returns a default config for the client.
func NewClientDefaultConfig() *ClientConfig {
	return &ClientConfig{
		Logger:   slog.Default(),
		ServerID: NewServerID(),
	}
}

// Client streams the binary log of one MySQL server.
type Client struct {
	sync.Mutex

	host     string
	username string
	password string

	cfg      replication.BinlogSyncerConfig
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer

	// The DB connection is used for queries like SHOW MASTER STATUS
	db *sql.DB

	serverID    uint32
	bufferedPos mysql.Position
	isClosed    atomic.Bool
	logger      *slog.Logger
}

// NewClient creates a client for the server a DSN points at. The DSN
// supplies the replication credentials.
func NewClient(db *sql.DB, dsn string, config *ClientConfig) (*Client, error) {
	if config == nil {
		config = NewClientDefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ServerID == 0 {
		config.ServerID = NewServerID()
	}
	parsed, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &Client{
		db:       db,
		host:     parsed.Addr,
		username: parsed.User,
		password: parsed.Passwd,
		serverID: config.ServerID,
		logger:   config.Logger,
	}, nil
}

// NewServerID randomizes the server ID to avoid conflicts with other binlog readers.
// This uses the same logic as canal:
func NewServerID() uint32 {
	return uint32(rand.New(rand.NewSource(time.Now().UnixNano())).Intn(1000)) + 1001
}

// ServerID is the id the client registers as a replica with.
func (c *Client) ServerID() uint32 {
	return c.serverID
}

// CurrentBinlogPosition returns the position the server is writing to.
func CurrentBinlogPosition(ctx context.Context, db *sql.DB) (mysql.Position, error) {
	var binlogFile, fake string
	var binlogPos uint32
	var binlogPosStmt = "SHOW MASTER STATUS"
	if dbconn.IsMySQL84(ctx, db) {
		binlogPosStmt = "SHOW BINARY LOG STATUS"
	}
	err := db.QueryRowContext(ctx, binlogPosStmt).Scan(&binlogFile, &binlogPos, &fake, &fake, &fake)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("%w: %w", ErrBinlogDisabled, err)
	}
	return mysql.Position{
		Name: binlogFile,
		Pos:  binlogPos,
	}, nil
}

// BinlogPositionIsImpossible is true when the file of pos is no longer on
// the server.
func BinlogPositionIsImpossible(ctx context.Context, db *sql.DB, pos mysql.Position) bool {
	rows, err := db.QueryContext(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return true // if we can't get the logs, its already impossible
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return true
	}
	// 8.0 added an Encrypted column.
	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return true
		}
		if values[0].String == pos.Name {
			return false // We just need presence of the log file for success
		}
	}
	return true
}

func (c *Client) syncerConfig() (replication.BinlogSyncerConfig, error) {
	host, portStr, err := net.SplitHostPort(c.host)
	if err != nil {
		return replication.BinlogSyncerConfig{}, fmt.Errorf("failed to parse host: %w", err)
	}
	// convert portStr to a uint16
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return replication.BinlogSyncerConfig{}, fmt.Errorf("failed to parse port: %w", err)
	}
	return replication.BinlogSyncerConfig{
		ServerID: c.serverID,
		Flavor:   "mysql",
		Host:     host,
		Port:     uint16(port),
		User:     c.username,
		Password: c.password,
		Logger:   c.logger,
	}, nil
}

// Run streams from start and hands every event to h until ctx is done,
// h returns an error, or the streamer cannot be recovered. A cancelled
// context is not an error.
func (c *Client) Run(ctx context.Context, start mysql.Position, h Handler) error {
	c.Lock()
	cfg, err := c.syncerConfig()
	if err != nil {
		c.Unlock()
		return err
	}
	c.cfg = cfg
	if start.Name == "" {
		c.Unlock()
		return errors.New("binlog start position is required")
	}
	if BinlogPositionIsImpossible(ctx, c.db, start) {
		c.Unlock()
		return ErrImpossiblePosition
	}
	c.bufferedPos = start
	c.syncer = replication.NewBinlogSyncer(c.cfg)
	c.streamer, err = c.syncer.StartSync(start)
	c.Unlock()
	if err != nil {
		return fmt.Errorf("failed to start binlog streamer: %w", err)
	}
	defer c.Close()
	return c.readStream(ctx, h)
}

// recreateStreamer recreates the binlog streamer from the current buffered position
func (c *Client) recreateStreamer() error {
	c.Lock()
	defer c.Unlock()
	c.logger.Warn("Recreating binlog streamer from position", "position", c.bufferedPos)
	if c.syncer != nil {
		c.syncer.Close()
	}
	c.syncer = replication.NewBinlogSyncer(c.cfg)
	var err error
	c.streamer, err = c.syncer.StartSync(c.bufferedPos)
	if err != nil {
		c.streamer = nil
		return fmt.Errorf("failed to start binlog streamer: %w", err)
	}
	c.logger.Info("Successfully recreated binlog streamer from position", "position", c.bufferedPos)
	return nil
}

func (c *Client) getStreamer() *replication.BinlogStreamer {
	c.Lock()
	defer c.Unlock()
	return c.streamer
}

func (c *Client) setBufferedPos(pos mysql.Position) {
	c.Lock()
	defer c.Unlock()
	c.bufferedPos = pos
}

// BufferedPos is the position after the last event read.
func (c *Client) BufferedPos() mysql.Position {
	c.Lock()
	defer c.Unlock()
	return c.bufferedPos
}

// readStream reads the stream until the context is done, continuing on
// read errors with the streamer recreated from the buffered position.
func (c *Client) readStream(ctx context.Context, h Handler) error {
	currentLogName := c.BufferedPos().Name
	consecutiveErrors := 0
	recreateAttempts := 0
	backoffDuration := initialBackoffDuration
	lastErrorTime := time.Time{}

	for {
		if ctx.Err() != nil {
			return nil
		}
		var ev *replication.BinlogEvent
		var err error
		streamer := c.getStreamer()
		// A nil streamer (such as after a failed recreation) is treated as an error.
		if streamer == nil {
			err = errors.New("binlog streamer is nil, cannot read events")
		} else {
			ev, err = streamer.GetEvent(ctx)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil || c.isClosed.Load() {
				return nil
			}
			consecutiveErrors++
			currentTime := time.Now()
			c.logger.Error("error reading binlog stream", "consecutive_errors", consecutiveErrors, "error", err, "current_position", c.BufferedPos())
			if consecutiveErrors >= maxConsecutiveErrors {
				recreateAttempts++
				// Reset before recreating so a failed recreation accumulates fresh errors.
				consecutiveErrors = 0
				if recreateAttempts >= maxRecreateAttempts {
					return fmt.Errorf("%w after %d attempts, current position: %v", ErrStreamerUnrecoverable, recreateAttempts, c.BufferedPos())
				}
				if currentTime.Sub(lastErrorTime) < backoffDuration {
					if !sleep(ctx, backoffDuration) {
						return nil
					}
				}
				if recreateErr := c.recreateStreamer(); recreateErr != nil {
					c.logger.Error("Failed to recreate streamer", "error", recreateErr)
					backoffDuration = min(backoffDuration*backoffMultiplier, maxBackoffDuration)
				} else {
					recreateAttempts = 0
					backoffDuration = initialBackoffDuration
				}
				lastErrorTime = currentTime
			}
			if !sleep(ctx, retryInterval) {
				return nil
			}
			continue
		}
		if consecutiveErrors > 0 {
			c.logger.Info("Binlog stream recovered after consecutive errors", "consecutive_errors", consecutiveErrors)
			consecutiveErrors = 0
			backoffDuration = initialBackoffDuration
		}
		if ev == nil {
			continue
		}
		pos := mysql.Position{Name: currentLogName, Pos: ev.Header.LogPos}
		switch e := ev.Event.(type) {
		case *replication.RotateEvent:
			currentLogName = string(e.NextLogName)
			pos = mysql.Position{Name: currentLogName, Pos: uint32(e.Position)}
			c.logger.Debug("Binlog rotated to", "log_name", currentLogName)
		case *replication.RowsEvent:
			rowsEvent := &RowsEvent{
				Schema:    string(e.Table.Schema),
				Table:     string(e.Table.Table),
				Type:      parseEventType(ev.Header.EventType),
				Rows:      e.Rows,
				Timestamp: time.Unix(int64(ev.Header.Timestamp), 0),
				Position:  pos,
			}
			if rowsEvent.Type == EventUnknown {
				c.logger.Error("unknown rows event type", "type", ev.Header.EventType)
			} else if err := h.OnRows(ctx, rowsEvent); err != nil {
				return err
			}
		case *replication.QueryEvent:
			if !isBegin(e) {
				if err := h.OnDDL(ctx, string(e.Schema), string(e.Query), pos); err != nil {
					return err
				}
			}
		case *replication.XIDEvent:
			if err := h.OnXID(ctx, pos, time.Unix(int64(ev.Header.Timestamp), 0)); err != nil {
				return err
			}
		default:
			c.logger.Debug("Received unknown event type", "type", fmt.Sprintf("%T", ev.Event))
		}
		// A stream recreated mid-transaction would see rows events without
		// their table map, so only transaction boundaries are buffered. A
		// rotate event carries no log position of its own.
		if pos.Pos > 0 && isTransactionBoundary(ev.Event) {
			c.setBufferedPos(pos)
		}
	}
}

// isTransactionBoundary is true for events after which the stream can be
// restarted: a commit, a statement outside a transaction, or a rotation.
func isTransactionBoundary(ev replication.Event) bool {
	switch e := ev.(type) {
	case *replication.XIDEvent, *replication.RotateEvent:
		return true
	case *replication.QueryEvent:
		return !isBegin(e)
	}
	return false
}

func isBegin(e *replication.QueryEvent) bool {
	return strings.EqualFold(strings.TrimSpace(string(e.Query)), "BEGIN")
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func parseEventType(t replication.EventType) EventType {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return EventInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return EventUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return EventDelete
	}
	return EventUnknown
}

// Close stops the syncer. It is safe to call more than once.
func (c *Client) Close() {
	if c.isClosed.Swap(true) {
		return
	}
	c.Lock()
	defer c.Unlock()
	if c.syncer != nil {
		c.syncer.Close()
	}
}
