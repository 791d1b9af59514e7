package replstream

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgslotcdc/internal/tableschema"
	"github.com/jfoltran/pgslotcdc/internal/walvalue"
)

// ConsumerConfig configures one Consumer invocation -- it is constructed
// fresh per batch by internal/replgen.
type ConsumerConfig struct {
	// UptoLSN stops the batch once a COMMIT at or past this LSN is seen.
	UptoLSN pglogrepl.LSN
	// TableQNames restricts processing to these fully-qualified table
	// names ("schema.table"); messages for any other table are dropped.
	// A nil map accepts every table.
	TableQNames map[string]bool
	// TargetBatchSize stops the batch once this many rows are buffered.
	TargetBatchSize int
	// IncludedColumns optionally restricts, per table, which columns are
	// kept in the inferred schema and decoded row.
	IncludedColumns map[string]map[string]bool
	// LastTableSchema/LastTableHashes seed the schema cache from a prior
	// batch's checkpoint, so fingerprints remain stable across restarts.
	LastTableSchema map[string]tableschema.TableSchema
	LastTableHashes map[string]uint64
}

// Consumer is the per-stream state machine: it interprets BEGIN/COMMIT and
// INSERT/UPDATE/DELETE messages, buffers decoded rows per table, and
// decides when a batch is complete.
type Consumer struct {
	cfg    ConsumerConfig
	logger zerolog.Logger

	ConsumedAll     bool
	DataItems       map[string][]map[string]any
	LastTableSchema map[string]tableschema.TableSchema
	LastTableHashes map[string]uint64
	LastCommitTS    time.Time
	LastCommitLSN   pglogrepl.LSN

	bufferedRows int
	sawCommit    bool
}

// NewConsumer creates a Consumer seeded with any cached schema/hash state
// from a prior batch.
func NewConsumer(cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	lastSchema := make(map[string]tableschema.TableSchema, len(cfg.LastTableSchema))
	for k, v := range cfg.LastTableSchema {
		lastSchema[k] = v
	}
	lastHashes := make(map[string]uint64, len(cfg.LastTableHashes))
	for k, v := range cfg.LastTableHashes {
		lastHashes[k] = v
	}
	return &Consumer{
		cfg:             cfg,
		logger:          logger.With().Str("component", "consumer").Logger(),
		DataItems:       make(map[string][]map[string]any),
		LastTableSchema: lastSchema,
		LastTableHashes: lastHashes,
	}
}

// SawCommit reports whether at least one COMMIT has been observed, which
// gates whether internal/replgen is permitted to acknowledge progress.
func (c *Consumer) SawCommit() bool { return c.sawCommit }

// Handle advances the state machine by one decoded RowMessage. It returns
// ErrStopReplication when the batch is complete (target size reached,
// upto-LSN reached, or an unreconcilable schema change was hit), or a
// fatal error for a malformed/unsupported message.
func (c *Consumer) Handle(msg RowMessage) error {
	switch msg.Op {
	case OpUnknown:
		return ErrUnsupportedOperation

	case OpBegin:
		c.LastCommitTS = msg.CommitTime
		return nil

	case OpCommit:
		c.sawCommit = true
		c.LastCommitLSN = msg.DataStart
		if c.LastCommitLSN >= c.cfg.UptoLSN {
			c.ConsumedAll = true
		}
		if c.ConsumedAll || c.bufferedRows >= c.cfg.TargetBatchSize {
			return ErrStopReplication
		}
		return nil

	case OpInsert, OpUpdate, OpDelete:
		return c.handleChange(msg)

	default:
		return ErrUnsupportedOperation
	}
}

func (c *Consumer) handleChange(msg RowMessage) error {
	if c.cfg.TableQNames != nil && !c.cfg.TableQNames[msg.Table] {
		return nil
	}

	tableName := unqualify(msg.Table)
	included := c.cfg.IncludedColumns[msg.Table]

	schema, err := c.resolveSchema(tableName, msg, included)
	if err != nil {
		var incompat *tableschema.IncompatibleSchemaError
		if isIncompatible(err, &incompat) {
			c.logger.Warn().Str("table", msg.Table).Str("column", incompat.Column).
				Msg("schema change could not be reconciled, stopping batch")
			return ErrStopReplication
		}
		return err
	}

	item, err := c.decodeRow(msg, schema, included)
	if err != nil {
		return err
	}

	c.DataItems[tableName] = append(c.DataItems[tableName], item)
	c.bufferedRows++
	return nil
}

func isIncompatible(err error, target **tableschema.IncompatibleSchemaError) bool {
	ie, ok := err.(*tableschema.IncompatibleSchemaError)
	if ok {
		*target = ie
	}
	return ok
}

func (c *Consumer) resolveSchema(tableName string, msg RowMessage, included map[string]bool) (tableschema.TableSchema, error) {
	cached, hasCached := c.LastTableSchema[tableName]

	if msg.Op == OpDelete && hasCached {
		return cached, nil
	}

	fingerprint := tableschema.Fingerprint(msg.NewTypeInfo)
	if hasCached && c.LastTableHashes[tableName] == fingerprint {
		return cached, nil
	}

	inferred := tableschema.Infer(tableName, sourceColumns(msg), msg.NewTypeInfo, included)

	if !hasCached {
		c.LastTableSchema[tableName] = inferred
		c.LastTableHashes[tableName] = fingerprint
		return inferred, nil
	}

	merged, err := tableschema.Reconcile(cached, inferred)
	if err != nil {
		return tableschema.TableSchema{}, err
	}
	c.LastTableSchema[tableName] = merged
	return merged, nil
}

func sourceColumns(msg RowMessage) []tableschema.SourceColumn {
	tuple := msg.NewTuple
	if msg.Op == OpDelete {
		tuple = msg.OldTuple
	}
	out := make([]tableschema.SourceColumn, len(tuple))
	for i, col := range tuple {
		out[i] = tableschema.SourceColumn{
			Name:       col.Name,
			Type:       resolveColumnType(col),
			PrimaryKey: col.PartOfPKey,
		}
	}
	return out
}

func (c *Consumer) decodeRow(msg RowMessage, schema tableschema.TableSchema, included map[string]bool) (map[string]any, error) {
	tuple := msg.NewTuple
	if msg.Op == OpDelete {
		tuple = msg.OldTuple
	}

	item := make(map[string]any, schema.Columns.Len())
	for _, col := range tuple {
		if included != nil && !included[col.Name] {
			continue
		}
		colSchema, ok := schema.Columns.Get(col.Name)
		if !ok {
			continue
		}
		ct := resolveColumnType(col)
		ct.Kind = colSchema.DataType
		val, err := walvalue.Decode(col.Datum, ct, msg.Op == OpDelete)
		if err != nil {
			return nil, fmt.Errorf("decode column %s.%s: %w", msg.Table, col.Name, err)
		}
		item[col.Name] = val
	}

	if msg.Op == OpDelete {
		item[tableschema.ReplicationColumnDeletedTS] = c.LastCommitTS
	}
	item[tableschema.ReplicationColumnLSN] = int64(msg.DataStart)
	return item, nil
}

func unqualify(qualified string) string {
	if idx := strings.LastIndexByte(qualified, '.'); idx >= 0 {
		return qualified[idx+1:]
	}
	return qualified
}
