// Package replgen orchestrates one replication batch: opening a stream at
// a start LSN, running the Consumer until it stops, and acknowledging
// progress to the server in the exact order a crash-safe consumer needs.
package replgen

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgslotcdc/internal/replconn"
	"github.com/jfoltran/pgslotcdc/internal/replstream"
	"github.com/jfoltran/pgslotcdc/internal/tableschema"
)

// BatchInput parameterizes a single RunBatch invocation.
type BatchInput struct {
	StartLSN        pglogrepl.LSN
	UptoLSN         pglogrepl.LSN
	TableQNames     map[string]bool
	TargetBatchSize int
	IncludedColumns map[string]map[string]bool
	LastTableSchema map[string]tableschema.TableSchema
	LastTableHashes map[string]uint64
}

// TableBatch is one table's worth of buffered output from a batch.
type TableBatch struct {
	Table  string
	Schema tableschema.TableSchema
	Items  []map[string]any
}

// BatchResult is everything RunBatch produces: the per-table output plus
// the updated state the caller must persist (see internal/checkpoint)
// before the next invocation.
type BatchResult struct {
	Tables          []TableBatch
	LastCommitLSN   pglogrepl.LSN
	GeneratedAll    bool
	NoProgress      bool
	LastTableSchema map[string]tableschema.TableSchema
	LastTableHashes map[string]uint64
}

// Generator opens replication streams against a slot and runs batches.
type Generator struct {
	replicationDSN string
	adminDSN       string
	slotName       string
	publication    string
	logger         zerolog.Logger

	mu     sync.Mutex
	handle *replconn.Handle
}

// New creates a Generator. replicationDSN must carry replication=database;
// adminDSN is a plain connection used only for one-time per-relation
// attribute lookups.
func New(replicationDSN, adminDSN, slotName, publication string, logger zerolog.Logger) *Generator {
	return &Generator{
		replicationDSN: replicationDSN,
		adminDSN:       adminDSN,
		slotName:       slotName,
		publication:    publication,
		logger:         logger.With().Str("component", "replgen").Logger(),
	}
}

// AttachConn returns a replconn.Ref onto the connection pair owned by the
// in-flight RunBatch call, for an out-of-scope snapshot reader that wants
// to query the source database without reclaiming or outliving the
// replication connection. Returns nil outside of RunBatch.
func (g *Generator) AttachConn() *replconn.Ref {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle == nil {
		return nil
	}
	return g.handle.Attach()
}

// RunBatch executes one batch end to end. On return, whether or not err is
// nil, BatchResult reflects exactly what was emitted and acknowledged --
// the guaranteed-release path (ack write, yield tables, record state, ack
// flush, close) always runs once the stream is opened.
func (g *Generator) RunBatch(ctx context.Context, in BatchInput) (BatchResult, error) {
	handle, err := replconn.Open(ctx, g.replicationDSN, g.adminDSN)
	if err != nil {
		return BatchResult{}, err
	}
	g.mu.Lock()
	g.handle = handle
	g.mu.Unlock()
	defer func() {
		handle.Close(ctx)
		g.mu.Lock()
		g.handle = nil
		g.mu.Unlock()
	}()

	decoder := replstream.NewDecoder(handle.Conn(), handle.AttrConn(), g.slotName, g.publication, g.logger)
	defer decoder.Close()

	ch, err := decoder.StartStreaming(ctx, in.StartLSN)
	if err != nil {
		return BatchResult{}, fmt.Errorf("start streaming: %w", err)
	}

	consumer := replstream.NewConsumer(replstream.ConsumerConfig{
		UptoLSN:         in.UptoLSN,
		TableQNames:     in.TableQNames,
		TargetBatchSize: in.TargetBatchSize,
		IncludedColumns: in.IncludedColumns,
		LastTableSchema: in.LastTableSchema,
		LastTableHashes: in.LastTableHashes,
	}, g.logger)

	loopErr := g.runLoop(ctx, ch, consumer)
	decoder.Close()
	if decErr := decoder.Err(); decErr != nil && loopErr == nil {
		loopErr = decErr
	}

	result := g.finalize(ctx, decoder, consumer)
	return result, loopErr
}

func (g *Generator) runLoop(ctx context.Context, ch <-chan replstream.RowMessage, consumer *replstream.Consumer) error {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			err := consumer.Handle(msg)
			if err == nil {
				continue
			}
			if errors.Is(err, replstream.ErrStopReplication) {
				return nil
			}
			g.logger.Error().Err(err).Str("op", msg.Op.String()).Str("table", msg.Table).
				Msg("fatal error handling replication message")
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finalize is the guaranteed-release block: write-ack, yield, record
// state, flush-ack, in that exact order. It is skipped (no-ack,
// no-emission) when no COMMIT was ever observed, so a caller retrying with
// the same StartLSN never loses the transaction it was mid-way through.
func (g *Generator) finalize(ctx context.Context, decoder *replstream.Decoder, consumer *replstream.Consumer) BatchResult {
	if !consumer.SawCommit() {
		return BatchResult{NoProgress: true, LastTableSchema: consumer.LastTableSchema, LastTableHashes: consumer.LastTableHashes}
	}

	if err := decoder.Ack(ctx, consumer.LastCommitLSN); err != nil {
		g.logger.Err(err).Msg("write-acknowledgement failed")
	}

	tables := make([]TableBatch, 0, len(consumer.DataItems))
	for table, items := range consumer.DataItems {
		schema := consumer.LastTableSchema[table]
		tables = append(tables, TableBatch{Table: table, Schema: schema, Items: items})
	}

	result := BatchResult{
		Tables:          tables,
		LastCommitLSN:   consumer.LastCommitLSN,
		GeneratedAll:    consumer.ConsumedAll,
		LastTableSchema: consumer.LastTableSchema,
		LastTableHashes: consumer.LastTableHashes,
	}

	if err := decoder.Ack(ctx, consumer.LastCommitLSN); err != nil {
		g.logger.Err(err).Msg("flush-acknowledgement failed")
	}

	return result
}
