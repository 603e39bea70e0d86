package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gitlab.com/gomidi/midi/v2"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List available MIDI ports",
	Long: `List the MIDI input and output ports visible to midiseq.

Output ports can be passed to 'play --port'; input ports carrying MIDI
timing clock can be passed to 'play --sync-port'.`,
	Run: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) {
	defer midi.CloseDriver()

	fmt.Println("Output ports:")
	outs := midi.GetOutPorts()
	if len(outs) == 0 {
		fmt.Println("  (none)")
	}
	for i, out := range outs {
		fmt.Printf("  [%d] %s\n", i, out.String())
	}

	fmt.Println("Input ports:")
	ins := midi.GetInPorts()
	if len(ins) == 0 {
		fmt.Println("  (none)")
	}
	for i, in := range ins {
		fmt.Printf("  [%d] %s\n", i, in.String())
	}
}
