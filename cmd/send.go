package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/theapemachine/asap-go/pkg/client"
	"github.com/theapemachine/asap-go/pkg/envelope"
)

var (
	serverFlag      string
	senderFlag      string
	payloadTypeFlag string
	payloadFlag     string
	insecureFlag    bool

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send one envelope to an ASAP agent and print the reply",
		Long:  longSend,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd)
		},
	}
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&serverFlag, "server", "s", "http://localhost:3210", "Base URL of the target agent")
	sendCmd.Flags().StringVar(&senderFlag, "sender", "urn:asap:agent:asap-go-cli", "Sender URN")
	sendCmd.Flags().StringVarP(&payloadTypeFlag, "type", "t", envelope.TypeTaskRequest, "Payload type")
	sendCmd.Flags().StringVar(&payloadFlag, "payload", `{"input":{}}`, "Payload JSON, or @path to read from a file")
	sendCmd.Flags().BoolVar(&insecureFlag, "insecure", false, "Allow plain-HTTP targets beyond loopback")
}

func runSend(cmd *cobra.Command) error {
	raw := []byte(payloadFlag)
	if len(payloadFlag) > 1 && payloadFlag[0] == '@' {
		var err error
		if raw, err = os.ReadFile(payloadFlag[1:]); err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	cfg := client.DefaultConfig()
	cfg.RequireHTTPS = !insecureFlag
	if secs := viper.GetInt("client.timeout_seconds"); secs > 0 {
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	if retries := viper.GetInt("client.max_retries"); retries > 0 {
		cfg.MaxRetries = retries
	}

	c, err := client.New(serverFlag, cfg)
	if err != nil {
		return err
	}

	// The recipient URN comes from discovery so the caller only needs the
	// base URL.
	manifest, err := c.GetManifest(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to discover target agent: %w", err)
	}

	env, err := envelope.New(senderFlag, manifest.ID, payloadTypeFlag, payload)
	if err != nil {
		return err
	}

	reply, err := c.Send(cmd.Context(), env)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var longSend = `
Send a single envelope to a remote agent over JSON-RPC.

Examples:
  # Echo a task request off the local agent
  asap-go send --payload '{"skill_id":"echo","input":{"text":"hi"}}'

  # Send a payload from a file to a remote agent
  asap-go send -s https://agent.example.com --payload @task.json
`
