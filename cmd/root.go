package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"midiseq/internal/debug"
)

var debugEnabled bool

var rootCmd = &cobra.Command{
	Use:   "midiseq",
	Short: "A real-time MIDI sequencer",
	Long: `midiseq plays standard MIDI files in real time, driven by its internal
tempo clock or locked to external MIDI timing-clock pulses, and can
generate MTC quarter frames for downstream synchronisation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debugEnabled {
			return debug.Enable()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugEnabled, "debug", false, "Log debug output to ~/.config/midiseq/debug.log")
}
