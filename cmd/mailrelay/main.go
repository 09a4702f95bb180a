package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailrelay/internal/model"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mailrelay",
		Short: "Mailbox relay over HTTP",
		Long: "mailrelay accepts authenticated JSON requests over HTTP and relays " +
			"them to an IMAP mailbox, one session per request.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", model.DefaultConfigPath(), "path to the YAML config file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newHashPasswordCommand(&configPath))
	rootCmd.AddCommand(newAuditCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
