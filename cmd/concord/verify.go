package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/concordlabs/concord/pkg/ledger"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify hash-chain integrity of every actor's event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openEventStore()
			if err != nil {
				return err
			}
			defer closeStore()

			actors, err := store.Actors()
			if err != nil {
				return err
			}
			var broken int
			for _, actorID := range actors {
				if err := ledger.VerifyChain(store, actorID); err != nil {
					broken++
					fmt.Fprintf(cmd.OutOrStdout(), "BROKEN  %s: %v\n", actorID, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK      %s\n", actorID)
			}
			if broken > 0 {
				return fmt.Errorf("%d of %d actor chains failed verification", broken, len(actors))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %d actor chains\n", len(actors))
			return nil
		},
	}
}
