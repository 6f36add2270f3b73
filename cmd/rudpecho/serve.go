package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gamevidea/rudp/rudp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var servePort int

// echoServer sends every message back to the connection it came from.
type echoServer struct {
	server *rudp.Server
}

func (e *echoServer) OnConnected(id rudp.ConnectionID, addr *net.UDPAddr) {
	logrus.WithFields(logrus.Fields{"connection": uint64(id), "addr": addr.String()}).Info("Client connected")
}

func (e *echoServer) OnData(id rudp.ConnectionID, data []byte, channel rudp.Channel) {
	if err := e.server.Send(id, data, channel); err != nil {
		logrus.WithError(err).WithField("connection", uint64(id)).Warn("Failed to echo message")
	}
}

func (e *echoServer) OnDisconnected(id rudp.ConnectionID) {
	logrus.WithField("connection", uint64(id)).Info("Client disconnected")
}

func (e *echoServer) OnError(id rudp.ConnectionID, code rudp.ErrorCode, message string) {
	logrus.WithFields(logrus.Fields{"connection": uint64(id), "code": code}).Warn(message)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echo server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		handler := &echoServer{}

		server, err := rudp.NewServer(cfg, handler)
		if err != nil {
			return err
		}
		handler.server = server

		if err := server.Start(servePort); err != nil {
			return err
		}
		defer server.Stop()

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-signals:
				return nil
			case <-ticker.C:
				server.Tick()
			}
		}
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 7777, "port to listen on")
	rootCmd.AddCommand(serveCmd)
}
