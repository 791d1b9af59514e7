// Package slotmgr creates, drops, peeks, and advances PostgreSQL logical
// replication slots using short-lived administrative connections.
package slotmgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const (
	sqlstateDuplicateObject = "42710"
	sqlstateUndefinedObject = "42704"

	// advanceMinServerVersion is the server_version_num threshold this
	// engine requires before issuing pg_replication_slot_advance; version
	// 10.0 itself (100000) is excluded, matching the strict ">" check the
	// slot-advance support matrix uses upstream.
	advanceMinServerVersion = 100000
)

// Descriptor describes a freshly created slot.
type Descriptor struct {
	SlotName       string
	ConsistentPoint pglogrepl.LSN
	SnapshotName   string
	OutputPlugin   string
}

// Manager creates and administers replication slots against a database
// reachable via dsn. Every method opens and closes its own short-lived
// connection; none of them touch the long-lived replication connection.
type Manager struct {
	dsn    string
	logger zerolog.Logger
}

// New creates a Manager that dials dsn for each administrative operation.
func New(dsn string, logger zerolog.Logger) *Manager {
	return &Manager{dsn: dsn, logger: logger.With().Str("component", "slotmgr").Logger()}
}

func (m *Manager) connect(ctx context.Context) (*pgconn.PgConn, error) {
	var conn *pgconn.PgConn
	op := func() error {
		c, err := pgconn.Connect(ctx, m.dsn)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(boff, ctx)); err != nil {
		return nil, fmt.Errorf("connect to slot admin database: %w", err)
	}
	return conn, nil
}

// Create idempotently creates a logical replication slot using the
// pgoutput plugin. Returns nil, nil if the slot already existed.
func (m *Manager) Create(ctx context.Context, slotName string) (*Descriptor, error) {
	slotName = normalizeSlotName(slotName)
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL pgoutput (SNAPSHOT 'export')`, slotName)
	result, err := pglogrepl.ParseCreateReplicationSlot(conn.Exec(ctx, sql))
	if err != nil {
		if isPgErrorCode(err, sqlstateDuplicateObject) {
			m.logger.Info().Str("slot", slotName).Msg("replication slot already exists")
			return nil, nil
		}
		return nil, fmt.Errorf("create replication slot %s: %w", slotName, err)
	}

	lsn, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return nil, fmt.Errorf("parse consistent point: %w", err)
	}
	m.logger.Info().Str("slot", slotName).Stringer("lsn", lsn).Msg("created replication slot")
	return &Descriptor{SlotName: slotName, ConsistentPoint: lsn, SnapshotName: result.SnapshotName, OutputPlugin: "pgoutput"}, nil
}

// Drop idempotently drops a logical replication slot.
func (m *Manager) Drop(ctx context.Context, slotName string) error {
	slotName = normalizeSlotName(slotName)
	conn, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	sql := fmt.Sprintf(`DROP_REPLICATION_SLOT %s`, slotName)
	_, err = conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		if isPgErrorCode(err, sqlstateUndefinedObject) {
			m.logger.Info().Str("slot", slotName).Msg("replication slot did not exist")
			return nil
		}
		return fmt.Errorf("drop replication slot %s: %w", slotName, err)
	}
	m.logger.Info().Str("slot", slotName).Msg("dropped replication slot")
	return nil
}

// MaxLSN returns the largest pending LSN the slot has buffered, without
// consuming it, or 0 if the slot has nothing pending.
func (m *Manager) MaxLSN(ctx context.Context, slotName string) (pglogrepl.LSN, error) {
	slotName = normalizeSlotName(slotName)
	conn, err := pgx.Connect(ctx, m.dsn)
	if err != nil {
		return 0, fmt.Errorf("connect to slot admin database: %w", err)
	}
	defer conn.Close(ctx)

	column := "lsn"
	version, err := serverVersion(ctx, conn)
	if err == nil && version < 100000 {
		column = "location"
	}

	sql := fmt.Sprintf(
		`SELECT MAX(%s - '0/0') FROM pg_logical_slot_peek_binary_changes($1, NULL, NULL)`, column)
	var maxOffset *int64
	if err := conn.QueryRow(ctx, sql, slotName).Scan(&maxOffset); err != nil {
		return 0, fmt.Errorf("peek max lsn for slot %s: %w", slotName, err)
	}
	if maxOffset == nil {
		return 0, nil
	}
	return pglogrepl.LSN(*maxOffset), nil
}

// Advance moves the slot's confirmed position forward to uptoLSN. It is a
// no-op when uptoLSN is zero, and is only executed against servers whose
// server_version_num is greater than 100000; 10.0 and earlier are skipped,
// while 10.x minor releases above 10.0 pass the check.
func (m *Manager) Advance(ctx context.Context, slotName string, uptoLSN pglogrepl.LSN) error {
	if uptoLSN == 0 {
		return nil
	}
	slotName = normalizeSlotName(slotName)
	conn, err := pgx.Connect(ctx, m.dsn)
	if err != nil {
		return fmt.Errorf("connect to slot admin database: %w", err)
	}
	defer conn.Close(ctx)

	version, err := serverVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("get server version: %w", err)
	}
	if version <= advanceMinServerVersion {
		return nil
	}

	_, err = conn.Exec(ctx, `SELECT * FROM pg_replication_slot_advance($1, $2)`, slotName, uptoLSN.String())
	if err != nil {
		return fmt.Errorf("advance slot %s: %w", slotName, err)
	}
	m.logger.Info().Str("slot", slotName).Stringer("lsn", uptoLSN).Msg("advanced replication slot")
	return nil
}

// DefaultSlotName mints a collision-resistant slot name for a caller that
// did not pin one explicitly, prefixed for readability in pg_replication_slots.
func DefaultSlotName(prefix string) string {
	if prefix == "" {
		prefix = "pgslotcdc"
	}
	return normalizeSlotName(fmt.Sprintf("%s_%s", prefix, uuid.NewString()))
}

// normalizeSlotName replaces hyphens with underscores, since PostgreSQL
// replication slot names must match [a-z0-9_]+.
func normalizeSlotName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func serverVersion(ctx context.Context, conn *pgx.Conn) (int, error) {
	var versionStr string
	if err := conn.QueryRow(ctx, `SHOW server_version_num`).Scan(&versionStr); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(versionStr))
}

func isPgErrorCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
