// The tapserver command bridges a TAP interface and any number of TCP
// clients. Every Ethernet frame read from the interface is sent to every
// client and every frame a client sends is written to the interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tapserver",
		Short: "Bridge a TAP interface to TCP clients",
		RunE:  ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the directory containing the config file")

	flags := rootCmd.Flags()
	flags.IntP("port", "p", 0, "Port on which clients connect (0 disables the listener)")
	flags.StringP("device", "d", "", "Name of the TAP interface to create or attach to")
	flags.Bool("loopback", false, "Echo client frames back instead of using a TAP interface")
	for key, flag := range map[string]string{
		"server.port":     "port",
		"device.name":     "device",
		"device.loopback": "loopback",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Println("error binding flag:", err)
			os.Exit(1)
		}
	}

	sessionsCmd.Flags().IntVarP(&LimitFlag, "limit", "n", 20, "Number of sessions to list")
	sessionsCmd.Flags().StringVarP(&AddrFlag, "addr", "a", "", "Only list the sessions of this host:port")
	rootCmd.AddCommand(sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
