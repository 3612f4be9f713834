package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/raknet-go"
	"storj.io/raknet-go/protocol"
)

// raknet_serve runs an echo server over the transport: every delivered
// message is sent back to the peer as ReliableOrdered on channel 0. Useful
// as a liveness target for raknet_ping and for soak-testing the
// reliability layer.

func main() {
	var cfg raknet.Config
	var err error
	switch len(os.Args) {
	case 1:
		cfg = raknet.DefaultConfig()
	case 2:
		cfg, err = raknet.LoadConfig(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	default:
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [config.yml]

`, os.Args[0])
		os.Exit(1)
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger := zapr.NewLogger(plainLogger)

	srv, err := raknet.NewServer(&echoHandler{}, rawCodec{},
		raknet.WithLogger(logger),
		raknet.WithConfig(cfg),
		raknet.WithMOTDProvider(raknet.StaticMOTD("raknet_serve echo")),
	)
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	if err := srv.Close(); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
}

// rawMessage wraps an undecoded payload; the echo server has no packet
// vocabulary of its own.
type rawMessage struct {
	id   byte
	body []byte
}

func (m rawMessage) ID() byte { return m.id }

type rawCodec struct{}

func (rawCodec) Decode(id byte, data []byte) (raknet.Message, error) {
	body := make([]byte, len(data))
	copy(body, data)
	return rawMessage{id: id, body: body}, nil
}

func (rawCodec) Encode(msg raknet.Message) ([]byte, error) {
	m, ok := msg.(rawMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
	return append([]byte{m.id}, m.body...), nil
}

type echoHandler struct{}

func (*echoHandler) HandleConnect(s *raknet.Session) {
	s.SetConnected()
}

func (*echoHandler) HandleMessage(s *raknet.Session, msg raknet.Message) {
	_ = s.Send(msg, protocol.ReliableOrdered, 0)
}

func (*echoHandler) HandleDisconnect(s *raknet.Session, reason raknet.DisconnectReason) {
}
