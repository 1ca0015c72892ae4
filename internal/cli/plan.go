package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan one round of tasks and exit",
	Long: `Plan runs the planner once, for a single owner when --owner is given
and for every owner with enabled targets otherwise. The tasks are queued
for whichever worker is running.`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().String("owner", "", "Plan only this owner")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		n, err := rt.engine.PlanAll(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("queued %d task(s)\n", n)
		return nil
	}

	batch, err := rt.engine.PlanOwner(ctx, owner, time.Now())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(batch)
}
