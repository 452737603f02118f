package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/concordlabs/concord/pkg/ledger"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [actor-id...]",
		Short: "Rebuild actor state from the event chain and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openEventStore()
			if err != nil {
				return err
			}
			defer closeStore()

			actors := args
			if len(actors) == 0 {
				actors, err = store.Actors()
				if err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, actorID := range actors {
				st, version, err := ledger.ReplayChain(store, actorID)
				if err != nil {
					return fmt.Errorf("replay %s: %w", actorID, err)
				}
				if err := enc.Encode(map[string]any{
					"actor_id": actorID,
					"version":  version,
					"state":    st,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
