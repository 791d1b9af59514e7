package main

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgslotcdc/internal/slotmgr"
	"github.com/jfoltran/pgslotcdc/pkg/lsn"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Create, drop, inspect, or advance a replication slot",
}

var slotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the configured replication slot if it does not already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Replication.SlotName == "" {
			cfg.Replication.SlotName = slotmgr.DefaultSlotName("pgslotcdc")
		}
		mgr := slotmgr.New(cfg.Source.DSN(), logger)
		desc, err := mgr.Create(cmd.Context(), cfg.Replication.SlotName)
		if err != nil {
			return err
		}
		if desc == nil {
			fmt.Printf("slot %q already exists\n", cfg.Replication.SlotName)
			return nil
		}
		fmt.Printf("created slot %q at %s (snapshot %q)\n", desc.SlotName, desc.ConsistentPoint, desc.SnapshotName)
		return nil
	},
}

var slotDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the configured replication slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := slotmgr.New(cfg.Source.DSN(), logger)
		if err := mgr.Drop(cmd.Context(), cfg.Replication.SlotName); err != nil {
			return err
		}
		fmt.Printf("dropped slot %q\n", cfg.Replication.SlotName)
		return nil
	},
}

var slotStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the slot's pending (unread) WAL position",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := slotmgr.New(cfg.Source.DSN(), logger)
		maxLSN, err := mgr.MaxLSN(cmd.Context(), cfg.Replication.SlotName)
		if err != nil {
			return err
		}
		fmt.Printf("slot:     %s\n", cfg.Replication.SlotName)
		fmt.Printf("max lsn:  %s\n", maxLSN)
		return nil
	},
}

var slotAdvanceLSN string

var slotAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Advance the slot's confirmed position to --lsn without consuming a stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := pglogrepl.ParseLSN(slotAdvanceLSN)
		if err != nil {
			return fmt.Errorf("invalid --lsn: %w", err)
		}
		mgr := slotmgr.New(cfg.Source.DSN(), logger)
		if err := mgr.Advance(cmd.Context(), cfg.Replication.SlotName, target); err != nil {
			return err
		}
		msg := fmt.Sprintf("advanced slot %q to %s", cfg.Replication.SlotName, target)
		if maxLSN, err := mgr.MaxLSN(cmd.Context(), cfg.Replication.SlotName); err == nil {
			msg += fmt.Sprintf(" (lag now %s)", lsn.FormatLag(lsn.Lag(target, maxLSN), 0))
		}
		fmt.Println(msg)
		return nil
	},
}

func init() {
	slotAdvanceCmd.Flags().StringVar(&slotAdvanceLSN, "lsn", "", "Target LSN to advance to (e.g. 0/1234ABC)")
	slotCmd.AddCommand(slotCreateCmd, slotDropCmd, slotStatusCmd, slotAdvanceCmd)
	rootCmd.AddCommand(slotCmd)
}
