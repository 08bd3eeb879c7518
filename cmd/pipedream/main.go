package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/cranium/pipedream/src/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:  "pipedream",
		Usage: "a WebSocket echo server",
		Flags: flags(),
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Usage: "address to listen on",
			Value: "0.0.0.0",
		},
		&cli.IntFlag{
			Name:      "port",
			Usage:     "port to listen on",
			Value:     8080,
			Validator: validatePort,
		},
		&cli.IntFlag{
			Name:  "max-message-bytes",
			Usage: "maximum reassembled message size, in bytes",
			Value: websocket.DefaultMaxMessageBytes,
		},
		&cli.DurationFlag{
			Name:  "close-timeout",
			Usage: "how long to wait for a peer's closing handshake before tearing down",
			Value: websocket.DefaultCloseTimeout,
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
	}
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return fmt.Errorf("out of range [0-65535]")
	}
	return nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(cmd.Bool("pretty-log"))

	addr := fmt.Sprintf("%s:%d", cmd.String("host"), cmd.Int("port"))
	srv := websocket.NewServer(addr, echoHandlerFactory(logger), logger,
		websocket.WithMaxMessageBytes(int(cmd.Int("max-message-bytes"))),
		websocket.WithCloseTimeout(cmd.Duration("close-timeout")),
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(runCtx) }()

	select {
	case <-runCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	return srv.Close("server shutting down")
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// echoHandlerFactory builds a Handler that logs connection lifecycle events
// and echoes every received TEXT/BINARY message back to its sender (PING and
// PONG are ignored), the default behavior for a bare pipedream server with
// no application logic wired in.
func echoHandlerFactory(logger zerolog.Logger) websocket.HandlerFactory {
	return func(conn *websocket.Connection) websocket.Handler {
		return &echoHandler{conn: conn, logger: logger.With().Str("conn_id", conn.ID()).Logger()}
	}
}

type echoHandler struct {
	conn   *websocket.Connection
	logger zerolog.Logger
}

func (h *echoHandler) OnConnect() {
	h.logger.Info().Msg("connection opened")
}

func (h *echoHandler) Recv(msg websocket.Message) {
	if msg.Opcode != websocket.OpText && msg.Opcode != websocket.OpBinary {
		return
	}
	isText := msg.Opcode == websocket.OpText
	if err := h.conn.Send(msg.Data, isText); err != nil {
		h.logger.Warn().Err(err).Msg("failed to echo message")
	}
}

func (h *echoHandler) OnClose(code websocket.CloseCode, reason string) {
	h.logger.Info().Stringer("code", code).Str("reason", reason).Msg("connection closed")
}
