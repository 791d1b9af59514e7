package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgslotcdc/internal/checkpoint"
	"github.com/jfoltran/pgslotcdc/internal/dispatch"
	"github.com/jfoltran/pgslotcdc/internal/replgen"
	"github.com/jfoltran/pgslotcdc/internal/slotmgr"
	"github.com/jfoltran/pgslotcdc/pkg/lsn"
)

var (
	followStateFile  string
	followAdvance    bool
	followMaxBatches int
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream decoded row batches from the replication slot to stdout as JSON lines",
	Long: `Follow opens the configured replication slot, runs batches until
stopped or --max-batches is reached, and writes each row-oriented batch
as one JSON line per item to stdout; a columnar batch is written as one
line carrying its table name and row count. Progress is checkpointed to
--state-file so a restart resumes from the last acknowledged commit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		store, err := checkpoint.New(followStateFile)
		if err != nil {
			return err
		}
		state, err := store.Load()
		if err != nil {
			return err
		}

		mgr := slotmgr.New(cfg.Source.DSN(), logger)
		gen := replgen.New(cfg.Source.ReplicationDSN(), cfg.Source.DSN(), cfg.Replication.SlotName, cfg.Replication.Publication, logger)

		var tableQNames map[string]bool
		if len(cfg.Replication.TableNames) > 0 {
			tableQNames = make(map[string]bool, len(cfg.Replication.TableNames))
			for _, t := range cfg.Replication.TableNames {
				tableQNames[t] = true
			}
		}

		var includedColumns map[string]map[string]bool
		if len(cfg.Replication.TableOptions) > 0 {
			includedColumns = make(map[string]map[string]bool, len(cfg.Replication.TableOptions))
			for table, opts := range cfg.Replication.TableOptions {
				if len(opts.IncludedColumns) == 0 {
					continue
				}
				cols := make(map[string]bool, len(opts.IncludedColumns))
				for _, c := range opts.IncludedColumns {
					cols[c] = true
				}
				includedColumns[table] = cols
			}
		}

		enc := json.NewEncoder(os.Stdout)
		ctx := cmd.Context()

		for i := 0; followMaxBatches <= 0 || i < followMaxBatches; i++ {
			result, err := gen.RunBatch(ctx, replgen.BatchInput{
				StartLSN:        state.LastCommitLSN,
				TableQNames:     tableQNames,
				TargetBatchSize: cfg.Replication.TargetBatchSize,
				IncludedColumns: includedColumns,
				LastTableSchema: state.LastTableSchema,
				LastTableHashes: state.LastTableHashes,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run batch: %w", err)
			}

			if result.NoProgress {
				logger.Debug().Msg("batch produced no committed rows")
				if ctx.Err() != nil {
					break
				}
				continue
			}

			for _, tb := range result.Tables {
				opts := dispatch.TableOptions{}
				if to, ok := cfg.Replication.TableOptions[tb.Table]; ok {
					opts.Backend = dispatch.Backend(to.Backend)
				}
				payload, err := dispatch.Dispatch([]dispatch.Group{{Table: tb.Table, Schema: tb.Schema, Items: tb.Items}}, tb.Table, opts)
				if err != nil {
					return fmt.Errorf("dispatch table %s: %w", tb.Table, err)
				}
				if err := emitPayload(enc, payload); err != nil {
					return err
				}
			}

			state.LastCommitLSN = result.LastCommitLSN
			state.LastTableSchema = result.LastTableSchema
			state.LastTableHashes = result.LastTableHashes
			if err := store.Save(state); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}

			if followAdvance {
				if err := mgr.Advance(ctx, cfg.Replication.SlotName, state.LastCommitLSN); err != nil {
					logger.Warn().Err(err).Msg("advance slot failed")
				}
			}

			logEvent := logger.Info().
				Stringer("commit_lsn", state.LastCommitLSN).
				Int("tables", len(result.Tables))
			if maxLSN, err := mgr.MaxLSN(ctx, cfg.Replication.SlotName); err == nil {
				logEvent = logEvent.Str("lag", lsn.FormatLag(lsn.Lag(state.LastCommitLSN, maxLSN), 0))
			}
			logEvent.Msg("batch committed")

			if ctx.Err() != nil {
				break
			}
		}

		return ctx.Err()
	},
}

func emitPayload(enc *json.Encoder, payload any) error {
	switch p := payload.(type) {
	case nil:
		return nil
	case dispatch.RowBatch:
		for _, item := range p.Items {
			if err := enc.Encode(item); err != nil {
				return fmt.Errorf("encode item: %w", err)
			}
		}
		return nil
	case *dispatch.ArrowBatch:
		defer p.Record.Release()
		return enc.Encode(map[string]any{"table": p.Table, "rows": p.Record.NumRows()})
	default:
		return fmt.Errorf("unrecognized dispatch payload %T", payload)
	}
}

func init() {
	followCmd.Flags().StringVar(&followStateFile, "state-file", "pgslotcdc.state.json", "Path to the checkpoint file")
	followCmd.Flags().BoolVar(&followAdvance, "advance-slot", false, "Advance the replication slot after each batch commit")
	followCmd.Flags().IntVar(&followMaxBatches, "max-batches", 0, "Stop after this many batches (0 = run until cancelled)")
	rootCmd.AddCommand(followCmd)
}
