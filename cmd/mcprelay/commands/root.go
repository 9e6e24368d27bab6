package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcprelay",
		Short: "Gateway for Model Context Protocol servers",
		Long:  "mcprelay — One endpoint in front of many MCP servers. Aggregates their tools, resources, and prompts and routes each call to the server that owns it. Single binary.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "mcprelay.yaml", "config file path")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)

	return root
}
