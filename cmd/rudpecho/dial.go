package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gamevidea/rudp/rudp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dialHost    string
	dialPort    int
	dialMessage string
	dialWait    time.Duration
)

// echoClient sends the message once the session is established and counts the echoes.
type echoClient struct {
	client       *rudp.Client
	cmd          *cobra.Command
	message      []byte
	echoes       int
	disconnected bool
}

func (e *echoClient) OnConnected() {
	for _, channel := range []rudp.Channel{rudp.Reliable, rudp.Unreliable} {
		if err := e.client.Send(e.message, channel); err != nil {
			logrus.WithError(err).WithField("channel", channel).Warn("Failed to send message")
		}
	}
}

func (e *echoClient) OnData(data []byte, channel rudp.Channel) {
	e.echoes++
	fmt.Fprintf(e.cmd.OutOrStdout(), "%s: %s\n", channel, data)
}

func (e *echoClient) OnDisconnected() {
	e.disconnected = true
}

func (e *echoClient) OnError(code rudp.ErrorCode, message string) {
	logrus.WithField("code", code).Warn(message)
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Connect to an echo server and send a message on both channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		handler := &echoClient{cmd: cmd, message: []byte(dialMessage)}

		client, err := rudp.NewClient(cfg, handler)
		if err != nil {
			return err
		}
		handler.client = client

		ctx, cancel := context.WithTimeout(cmd.Context(), dialWait)
		defer cancel()

		if err := client.Connect(ctx, dialHost, dialPort); err != nil {
			return err
		}
		defer client.Disconnect()

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		// The unreliable echo may be lost, so the reliable one is enough to finish.
		for {
			select {
			case <-ctx.Done():
				if handler.echoes > 0 {
					return nil
				}
				return fmt.Errorf("no echo received within %s", dialWait)
			case <-ticker.C:
				client.Tick()

				if handler.disconnected {
					return fmt.Errorf("disconnected from %s:%d", dialHost, dialPort)
				}
				if handler.echoes == 2 {
					return nil
				}
			}
		}
	},
}

func init() {
	dialCmd.Flags().StringVar(&dialHost, "host", "localhost", "host of the echo server")
	dialCmd.Flags().IntVarP(&dialPort, "port", "p", 7777, "port of the echo server")
	dialCmd.Flags().StringVarP(&dialMessage, "message", "m", "ping", "message to send")
	dialCmd.Flags().DurationVar(&dialWait, "wait", 5*time.Second, "how long to wait for the echoes")
	rootCmd.AddCommand(dialCmd)
}
