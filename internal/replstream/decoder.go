package replstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgslotcdc/internal/tableschema"
	"github.com/jfoltran/pgslotcdc/internal/typemap"
	"github.com/jfoltran/pgslotcdc/internal/walvalue"
)

// relation caches one table's column layout plus its nullability, looked
// up once via a side admin connection since pgoutput's RelationMessage
// does not itself report NOT NULL.
type relation struct {
	namespace string
	name      string
	columns   []relationColumn
}

type relationColumn struct {
	name       string
	oid        uint32
	atttypmod  int32
	partOfPKey bool
	nullable   bool
}

func (r *relation) qualifiedName() string { return r.namespace + "." + r.name }

// Decoder drives a pgoutput logical replication stream and emits flat
// RowMessage values on a channel, matching the receive-loop/backpressure
// shape of a conventional pgx-based replication client.
type Decoder struct {
	conn      *pgconn.PgConn
	attrConn  *pgx.Conn // side connection for one-time attribute lookups
	logger    zerolog.Logger
	slotName  string
	publication string
	startLSN  pglogrepl.LSN

	relations map[uint32]*relation

	mu             sync.Mutex
	confirmedLSN   pglogrepl.LSN
	serverWALEnd   pglogrepl.LSN
	lastStatusTime time.Time
	loopErr        error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecoder creates a Decoder. attrConn is used only for one-time
// pg_attribute nullability lookups per relation; it must not be the same
// connection as conn, which is dedicated to the replication protocol.
func NewDecoder(conn *pgconn.PgConn, attrConn *pgx.Conn, slotName, publication string, logger zerolog.Logger) *Decoder {
	return &Decoder{
		conn:        conn,
		attrConn:    attrConn,
		logger:      logger.With().Str("component", "decoder").Logger(),
		slotName:    strings.ReplaceAll(slotName, "-", "_"),
		publication: publication,
		relations:   make(map[uint32]*relation),
		done:        make(chan struct{}),
	}
}

// StartStreaming begins consuming WAL from startLSN and returns a channel
// of decoded RowMessage values.
func (d *Decoder) StartStreaming(ctx context.Context, startLSN pglogrepl.LSN) (<-chan RowMessage, error) {
	d.startLSN = startLSN
	err := pglogrepl.StartReplication(ctx, d.conn, d.slotName, d.startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", d.publication),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("start replication: %w", err)
	}

	d.confirmedLSN = startLSN
	d.lastStatusTime = time.Now()

	ch := make(chan RowMessage, 4096)
	ctx, d.cancel = context.WithCancel(ctx)
	go d.receiveLoop(ctx, ch)
	return ch, nil
}

func (d *Decoder) receiveLoop(ctx context.Context, ch chan<- RowMessage) {
	defer close(ch)
	defer close(d.done)

	const standbyInterval = 1 * time.Second
	const recvTimeout = 2 * time.Second

	setErr := func(err error) {
		d.mu.Lock()
		d.loopErr = err
		d.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(d.lastStatusTime) >= standbyInterval {
			if err := d.sendStandbyStatus(ctx, d.effectiveLSN(ch)); err != nil {
				d.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := d.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			d.logger.Err(err).Msg("receive message failed")
			setErr(fmt.Errorf("receive message: %w", err))
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			d.logger.Error().Str("code", errResp.Code).Str("message", errResp.Message).
				Msg("server error from replication stream")
			setErr(fmt.Errorf("server error: %s (SQLSTATE %s)", errResp.Message, errResp.Code))
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				d.logger.Err(err).Msg("parse keepalive")
				continue
			}
			d.mu.Lock()
			if pglogrepl.LSN(pkm.ServerWALEnd) > d.serverWALEnd {
				d.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
			}
			d.mu.Unlock()
			if pkm.ReplyRequested {
				if err := d.sendStandbyStatus(ctx, d.effectiveLSN(ch)); err != nil {
					d.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				d.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			d.mu.Lock()
			if pglogrepl.LSN(xld.ServerWALEnd) > d.serverWALEnd {
				d.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			d.mu.Unlock()
			if err := d.decodeWALData(ctx, ch, xld); err != nil {
				d.logger.Err(err).Msg("decode WAL data")
				setErr(err)
				return
			}
		}
	}
}

func (d *Decoder) decodeWALData(ctx context.Context, ch chan<- RowMessage, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("parse WAL data: %w", err)
	}

	walLSN := pglogrepl.LSN(xld.WALStart)
	now := time.Now()

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		d.emit(ctx, ch, RowMessage{Op: OpBegin, CommitTime: msg.CommitTime, DataStart: pglogrepl.LSN(msg.FinalLSN)})

	case *pglogrepl.CommitMessage:
		d.emit(ctx, ch, RowMessage{Op: OpCommit, CommitTime: msg.CommitTime, DataStart: pglogrepl.LSN(msg.CommitLSN)})

	case *pglogrepl.RelationMessage:
		rel, err := d.cacheRelation(ctx, msg)
		if err != nil {
			return err
		}
		d.relations[msg.RelationID] = rel

	case *pglogrepl.InsertMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for insert")
			return nil
		}
		cols, typeInfos, err := d.decodeTuple(msg.Tuple, rel)
		if err != nil {
			return err
		}
		d.emit(ctx, ch, RowMessage{
			Op: OpInsert, Table: rel.qualifiedName(), CommitTime: now,
			NewTuple: cols, NewTypeInfo: typeInfos, DataStart: walLSN,
		})

	case *pglogrepl.UpdateMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for update")
			return nil
		}
		newCols, typeInfos, err := d.decodeTuple(msg.NewTuple, rel)
		if err != nil {
			return err
		}
		rm := RowMessage{Op: OpUpdate, Table: rel.qualifiedName(), CommitTime: now, NewTuple: newCols, NewTypeInfo: typeInfos, DataStart: walLSN}
		if msg.OldTuple != nil {
			oldCols, _, err := d.decodeTuple(msg.OldTuple, rel)
			if err != nil {
				return err
			}
			rm.OldTuple = oldCols
		}
		d.emit(ctx, ch, rm)

	case *pglogrepl.DeleteMessage:
		rel, ok := d.relations[msg.RelationID]
		if !ok {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for delete")
			return nil
		}
		oldCols, _, err := d.decodeTuple(msg.OldTuple, rel)
		if err != nil {
			return err
		}
		d.emit(ctx, ch, RowMessage{Op: OpDelete, Table: rel.qualifiedName(), CommitTime: now, OldTuple: oldCols, DataStart: walLSN})
	}
	return nil
}

func (d *Decoder) cacheRelation(ctx context.Context, msg *pglogrepl.RelationMessage) (*relation, error) {
	nullable, pkeys, err := d.lookupAttributes(ctx, msg.Namespace, msg.RelationName)
	if err != nil {
		d.logger.Warn().Err(err).Str("table", msg.Namespace+"."+msg.RelationName).
			Msg("attribute lookup failed, assuming all columns nullable and non-key")
		nullable, pkeys = nil, nil
	}

	cols := make([]relationColumn, len(msg.Columns))
	for i, c := range msg.Columns {
		cols[i] = relationColumn{
			name:       c.Name,
			oid:        c.DataType,
			atttypmod:  c.TypeModifier,
			partOfPKey: pkeys[c.Name] || c.Flags&1 != 0,
			nullable:   nullable == nil || nullable[c.Name],
		}
	}
	return &relation{namespace: msg.Namespace, name: msg.RelationName, columns: cols}, nil
}

// lookupAttributes queries pg_attribute once for a relation's nullability
// and primary-key membership, via the side connection reserved for this
// (the replication connection itself cannot run arbitrary SQL once
// streaming has started).
func (d *Decoder) lookupAttributes(ctx context.Context, namespace, name string) (nullable map[string]bool, pkeys map[string]bool, err error) {
	if d.attrConn == nil {
		return nil, nil, nil
	}
	rows, err := d.attrConn.Query(ctx, `
		SELECT a.attname, NOT a.attnotnull,
		       COALESCE(a.attnum = ANY(i.indkey), false) AS is_pk
		FROM pg_attribute a
		JOIN pg_class c ON a.attrelid = c.oid
		JOIN pg_namespace n ON c.relnamespace = n.oid
		LEFT JOIN pg_index i ON i.indrelid = c.oid AND i.indisprimary
		WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped`,
		namespace, name)
	if err != nil {
		return nil, nil, fmt.Errorf("query pg_attribute: %w", err)
	}
	defer rows.Close()

	nullable = make(map[string]bool)
	pkeys = make(map[string]bool)
	for rows.Next() {
		var attname string
		var isNullable, isPK bool
		if err := rows.Scan(&attname, &isNullable, &isPK); err != nil {
			return nil, nil, fmt.Errorf("scan pg_attribute row: %w", err)
		}
		nullable[attname] = isNullable
		pkeys[attname] = isPK
	}
	return nullable, pkeys, rows.Err()
}

func (d *Decoder) decodeTuple(tuple *pglogrepl.TupleData, rel *relation) ([]Column, []tableschema.TypeInfo, error) {
	if tuple == nil {
		return nil, nil, nil
	}
	cols := make([]Column, 0, len(tuple.Columns))
	typeInfos := make([]tableschema.TypeInfo, 0, len(tuple.Columns))
	for i, c := range tuple.Columns {
		if i >= len(rel.columns) {
			break
		}
		rc := rel.columns[i]
		datum, err := walvalue.ParseDatum(c.DataType, c.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", rel.qualifiedName(), err)
		}
		cols = append(cols, Column{
			Name: rc.name, OID: rc.oid, Atttypmod: rc.atttypmod,
			PartOfPKey: rc.partOfPKey, Datum: datum,
		})
		typeInfos = append(typeInfos, tableschema.TypeInfo{
			Modifier:      typemap.ModifierName(rc.oid),
			ValueOptional: rc.nullable,
		})
	}
	return cols, typeInfos, nil
}

func (d *Decoder) emit(ctx context.Context, ch chan<- RowMessage, msg RowMessage) {
	for {
		select {
		case ch <- msg:
			return
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(d.lastStatusTime) >= 1*time.Second {
			d.mu.Lock()
			lsn := d.confirmedLSN
			d.mu.Unlock()
			if err := d.sendStandbyStatus(ctx, lsn); err != nil {
				d.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}

		t := time.NewTimer(100 * time.Millisecond)
		select {
		case ch <- msg:
			t.Stop()
			return
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (d *Decoder) sendStandbyStatus(ctx context.Context, lsn pglogrepl.LSN) error {
	d.lastStatusTime = time.Now()
	return pglogrepl.SendStandbyStatusUpdate(ctx, d.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
}

func (d *Decoder) effectiveLSN(ch chan<- RowMessage) pglogrepl.LSN {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmedLSN
}

// Err returns the error that caused the receive loop to exit, if any. Safe
// to call once the message channel has been closed.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopErr
}

// ConfirmLSN advances the confirmed flush position reported to the server.
func (d *Decoder) ConfirmLSN(lsn pglogrepl.LSN) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsn > d.confirmedLSN {
		d.confirmedLSN = lsn
	}
}

// Ack immediately reports lsn to the server as written/flushed/applied,
// used by internal/replgen to send the write- and flush-acknowledgements
// at the boundaries of a batch.
func (d *Decoder) Ack(ctx context.Context, lsn pglogrepl.LSN) error {
	d.ConfirmLSN(lsn)
	return d.sendStandbyStatus(ctx, lsn)
}

// Close shuts down the decoder and waits for the receive loop to exit.
func (d *Decoder) Close() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}
