package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/airlock/internal/models"
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "List file transactions",
	RunE:  runTxList,
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Undo the most recent committed transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		return txStep("/api/transactions/undo", "Undid")
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Redo the most recently undone transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		return txStep("/api/transactions/redo", "Redid")
	},
}

var txVerbose bool

func init() {
	txCmd.Flags().BoolVarP(&txVerbose, "verbose", "v", false, "Show the operations of each transaction")
}

func runTxList(cmd *cobra.Command, args []string) error {
	var txs []models.Transaction
	if err := apiGetJSON("/api/transactions", &txs); err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Println("No transactions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tOPS\tUNDONE\tSTARTED\tDESCRIPTION")
	for _, tx := range txs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\t%s\n", shortID(tx.ID), tx.State, len(tx.Operations),
			tx.Undone, tx.StartTime.Local().Format("2006-01-02 15:04:05"), tx.Description)
		if txVerbose {
			for _, op := range tx.Operations {
				fmt.Fprintf(w, "\t\t\t\t\t  %s %s\n", op.Operation, changeTarget(op))
			}
		}
	}
	return w.Flush()
}

func txStep(path, verb string) error {
	body, err := apiPost(path, nil)
	if err != nil {
		return err
	}
	var tx models.Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	fmt.Printf("%s %s (%d operations): %s\n", verb, shortID(tx.ID), len(tx.Operations), tx.Description)
	return nil
}
