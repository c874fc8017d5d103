package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mangavault/internal/process"
)

var (
	flagAddr      string
	flagTCP       string
	flagProcesses []string
)

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the progress of running downloads on a server",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&flagAddr, "addr", "http://localhost:8080", "server base URL")
	watchCmd.Flags().StringVar(&flagTCP, "tcp", "", "use the TCP line protocol at host:port instead of the websocket")
	watchCmd.Flags().StringSliceVar(&flagProcesses, "process", nil, "process id (mangaId_chapterId), repeatable")
	_ = watchCmd.MarkFlagRequired("process")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	_, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if flagTCP != "" {
		bars := newBarSink(os.Stderr, logger)
		defer bars.Close()
		return watchTCP(cmd.Context(), flagTCP, bars, logger)
	}

	endpoint, err := websocketURL(flagAddr, "/ws")
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	join, err := process.JoinFrame(flagProcesses...)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	bars := newBarSink(os.Stderr, logger)
	defer bars.Close()

	go func() {
		<-cmd.Context().Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		event, ev, ok := process.DecodeEvent(raw)
		if !ok {
			if event == process.EventError {
				logger.Warn("server rejected request", zap.ByteString("frame", raw))
			}
			continue
		}
		bars.Publish(event, ev)
	}
}

// watchTCP follows processes over the TCP transport and reconnects until ctx ends.
func watchTCP(ctx context.Context, addr string, bars *barSink, logger *zap.Logger) error {
	for {
		err := watchTCPOnce(ctx, addr, bars)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("disconnected, reconnecting", zap.String("addr", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func watchTCPOnce(ctx context.Context, addr string, bars *barSink) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	join, err := process.JoinFrame(flagProcesses...)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(join, '\n')); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if event, ev, ok := process.DecodeEvent(sc.Bytes()); ok {
			bars.Publish(event, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse addr: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("addr must be an http(s) or ws(s) URL")
	}
	u.Path += path
	return u.String(), nil
}
