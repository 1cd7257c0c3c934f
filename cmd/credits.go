package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clipsight/clipsight/internal/cost"
	"github.com/clipsight/clipsight/internal/credits"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage credit accounts",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <owner-id>",
	Short: "Show an owner's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		balance, err := credits.NewStoreLedger(st).Balance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "credits balance")
		}
		fmt.Printf("%s: %d credits\n", args[0], balance)
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <owner-id> <amount>",
	Short: "Add credits to an owner's account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		amount, err := strconv.Atoi(args[1])
		if err != nil || amount <= 0 {
			return eris.Errorf("amount must be a positive integer, got %q", args[1])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		ledger := credits.NewStoreLedger(st)
		if err := ledger.Grant(ctx, args[0], amount); err != nil {
			return eris.Wrap(err, "credits grant")
		}
		balance, err := ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d credits\n", args[0], balance)
		return nil
	},
}

var creditsPriceCmd = &cobra.Command{
	Use:   "price <item-count>",
	Short: "Show the credit price of a job by selected item count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return eris.Errorf("item count must be a positive integer, got %q", args[0])
		}
		fmt.Printf("selection batch: %d credits\n", cost.SelectionPrice)
		fmt.Printf("annotation batch (%d items): %d credits\n", n, cost.AnnotationPrice(n))
		fmt.Printf("total: %d credits\n", cost.JobPrice(n))
		return nil
	},
}

func init() {
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsGrantCmd)
	creditsCmd.AddCommand(creditsPriceCmd)
	rootCmd.AddCommand(creditsCmd)
}
