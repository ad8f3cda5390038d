package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bblsh/kagu-sub000/av"
	"github.com/bblsh/kagu-sub000/driver"
	"github.com/bblsh/kagu-sub000/limits"
	"github.com/bblsh/kagu-sub000/messaging"
	"github.com/bblsh/kagu-sub000/session"
)

var (
	realmID   uint32
	channelID uint32
)

var connectCmd = &cobra.Command{
	Use:   "connect <server-addr>",
	Short: "Join a server and chat from stdin",
	Long: `Connect dials a server, sends every stdin line as a text message on the
reliable stream and prints what other users send.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if listenAddr == "" && cfgFile == "" {
			cfg.ListenAddr = "0.0.0.0:0"
		}
		node, stopMetrics, err := newNode(nil)
		if err != nil {
			return err
		}
		defer stopMetrics()
		defer node.Kill()

		if err := node.Start(); err != nil {
			return err
		}
		conn, err := node.Connect(args[0])
		if err != nil {
			return err
		}

		if pipeline := node.Audio(); pipeline != nil {
			// No audio device: mixed frames are played into the void.
			go av.RunPlayback(ctx, pipeline, limits.AudioTickInterval, func([]int16) {})
		}

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		out := cmd.OutOrStdout()
		userID := cfg.UserID
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-node.Events():
				if !ok {
					return node.Err()
				}
				if ev.Conn != conn {
					continue
				}
				switch ev.Kind {
				case driver.EventEstablished:
					fmt.Fprintf(out, "* connected to %s\n", ev.Remote)
					if err := node.Send(conn, session.StreamReliable, &messaging.Message{Kind: messaging.KindHello, UserID: userID}); err != nil {
						return err
					}
				case driver.EventEnded:
					fmt.Fprintf(out, "* disconnected: %s\n", ev.Reason)
					return ev.Err
				}
			case env, ok := <-node.Received():
				if !ok {
					return node.Err()
				}
				if line, ok := formatMessage(env.Message); ok {
					fmt.Fprintln(out, line)
				}
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if line == "" {
					continue
				}
				msg := messaging.NewText(userID, realmID, channelID, line)
				if err := node.Send(conn, session.StreamReliable, msg); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "connect",
						"error":    err.Error(),
					}).Warn("Failed to send line")
				}
			}
		}
	},
}

func init() {
	connectCmd.Flags().Uint32Var(&realmID, "realm", 0, "realm of sent messages")
	connectCmd.Flags().Uint32Var(&channelID, "channel", 0, "channel of sent messages")
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// formatMessage renders a received message for the terminal. Kinds without a
// textual form report false.
func formatMessage(m *messaging.Message) (string, bool) {
	switch m.Kind {
	case messaging.KindText:
		return fmt.Sprintf("[%d/%d] user %d: %s", m.RealmID, m.ChannelID, m.UserID, m.Text), true
	case messaging.KindUserJoined:
		return fmt.Sprintf("* user %d joined", m.UserID), true
	case messaging.KindUserLeft:
		return fmt.Sprintf("* user %d left", m.UserID), true
	case messaging.KindDisconnecting:
		return fmt.Sprintf("* user %d is disconnecting", m.UserID), true
	default:
		return "", false
	}
}

func keyHex(key [32]byte) string {
	return hex.EncodeToString(key[:])
}
