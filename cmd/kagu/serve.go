package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	kagu "github.com/bblsh/kagu-sub000"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a relay server",
	Long: `Serve accepts inbound connections and relays every message, audio
included, to the other connected clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		node, stopMetrics, err := newNode(func(o *kagu.Options) {
			o.AcceptInbound = true
			// The relay forwards encoded audio rather than mixing it.
			o.AudioEnabled = false
		})
		if err != nil {
			return err
		}
		defer stopMetrics()
		defer node.Kill()

		if err := node.Start(); err != nil {
			return err
		}
		key := node.PublicKey()
		logrus.WithFields(logrus.Fields{
			"function":   "serve",
			"local_addr": node.LocalAddr().String(),
			"public_key": keyHex(key),
		}).Info("Relay listening")

		r := newRelay(node)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-node.Events():
				if !ok {
					return node.Err()
				}
				r.handleEvent(ev)
			case env, ok := <-node.Received():
				if !ok {
					return node.Err()
				}
				r.handleMessage(env)
			}
		}
	},
}
