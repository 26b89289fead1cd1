package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theapemachine/asap-go/pkg/client"
)

var (
	manifestServerFlag   string
	manifestInsecureFlag bool

	manifestCmd = &cobra.Command{
		Use:   "manifest",
		Short: "Fetch and print a remote agent's manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := client.DefaultConfig()
			cfg.RequireHTTPS = !manifestInsecureFlag

			c, err := client.New(manifestServerFlag, cfg)
			if err != nil {
				return err
			}

			manifest, err := c.GetManifest(cmd.Context())
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(manifest, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(manifestCmd)

	manifestCmd.Flags().StringVarP(&manifestServerFlag, "server", "s", "http://localhost:3210", "Base URL of the agent")
	manifestCmd.Flags().BoolVar(&manifestInsecureFlag, "insecure", false, "Allow plain-HTTP targets beyond loopback")
}
