package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clipsight/clipsight/internal/model"
	"github.com/clipsight/clipsight/internal/pipeline"
)

var variantCmd = &cobra.Command{
	Use:   "variant <job-id>",
	Short: "Regenerate insights with different creative parameters",
	Long:  "Calls the synthesis engine again for a finished job. By default the result is appended as a variant, preserving the primary insights; --overwrite replaces them.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		focus, _ := cmd.Flags().GetString("focus")
		temperature, _ := cmd.Flags().GetFloat64("temperature")
		ideas, _ := cmd.Flags().GetInt("ideas")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		ins, err := runner.Synthesize(ctx, args[0], pipeline.SynthesisOptions{
			Focus:       model.Focus(focus),
			Temperature: temperature,
			IdeaCount:   ideas,
			Variant:     !overwrite,
		})
		if err != nil {
			return eris.Wrap(err, "variant")
		}

		fmt.Printf("Generated %s insights (temperature %.1f, %d ideas, %d tokens)\n",
			ins.Focus, ins.Temperature, ins.IdeaCount,
			ins.TokenUsage.InputTokens+ins.TokenUsage.OutputTokens)
		if ins.Parsed == nil {
			fmt.Println("Response was not structured; raw text retained.")
		}
		return nil
	},
}

func init() {
	variantCmd.Flags().String("focus", "", "focus preset: analytical, creative, viral, educational, conservative")
	variantCmd.Flags().Float64("temperature", 0, "sampling temperature (default from config)")
	variantCmd.Flags().Int("ideas", 0, "number of video ideas to request (default from config)")
	variantCmd.Flags().Bool("overwrite", false, "replace the primary insights instead of appending a variant")
	rootCmd.AddCommand(variantCmd)
}
