// Command noiseup-handshake is a small demonstration of the core
// library end to end: it dials or listens on a TCP connection,
// upgrades it with a Noise handshake, prints the peer's static public
// key, and echoes lines of stdin over the resulting encrypted stream.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/noiseup/core/codec"
	"github.com/gosuda/noiseup/core/handshake"
	"github.com/gosuda/noiseup/core/netio"
	"github.com/gosuda/noiseup/core/session"
	"github.com/gosuda/noiseup/core/upgrade"
)

var rootCmd = &cobra.Command{
	Use:   "noiseup-handshake",
	Short: "Upgrade a TCP connection with a Noise handshake and echo stdin over it",
	RunE:  run,
}

var (
	flagPattern   string
	flagRemoteKey string
	flagLocalKey  string
	flagVerbose   bool
	flagListen    string
	flagDial      string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagPattern, "pattern", "xx", "handshake pattern: ik, ix, or xx")
	flags.StringVar(&flagLocalKey, "key", "", "hex-encoded 32-byte local static private key (generated if empty)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "trace-level logging of handshake messages and steps")
	flags.StringVar(&flagListen, "listen", "", "accept one connection on addr and complete the handshake as responder")
	flags.StringVar(&flagDial, "dial", "", "connect to addr and complete the handshake as initiator")
	flags.StringVar(&flagRemoteKey, "remote-key", "", "hex-encoded 32-byte responder static public key (required for pattern=ik when dialing)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("noiseup-handshake")
	}
}

func logger() zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if flagVerbose {
		return l.Level(zerolog.TraceLevel)
	}
	return l.Level(zerolog.InfoLevel)
}

func localKeypair() (session.Keypair, error) {
	if flagLocalKey == "" {
		return upgrade.GenerateStaticKeypair()
	}
	priv, err := hex.DecodeString(flagLocalKey)
	if err != nil || len(priv) != 32 {
		return session.Keypair{}, fmt.Errorf("--key must be 64 hex characters (32 bytes)")
	}
	return upgrade.DeriveStaticKeypair(priv)
}

func buildConfig(log zerolog.Logger) (upgrade.Config, session.Keypair, error) {
	local, err := localKeypair()
	if err != nil {
		return upgrade.Config{}, session.Keypair{}, err
	}
	switch flagPattern {
	case "ik":
		var remote []byte
		if flagRemoteKey != "" {
			remote, err = hex.DecodeString(flagRemoteKey)
			if err != nil || len(remote) != 32 {
				return upgrade.Config{}, session.Keypair{}, fmt.Errorf("--remote-key must be 64 hex characters (32 bytes)")
			}
		}
		return upgrade.NewIK(local, remote, log), local, nil
	case "ix":
		return upgrade.NewIX(local, log), local, nil
	case "xx":
		return upgrade.NewXX(local, log), local, nil
	default:
		return upgrade.Config{}, session.Keypair{}, fmt.Errorf("unknown pattern %q (want ik, ix, or xx)", flagPattern)
	}
}

// run dispatches to listen-as-responder or dial-as-initiator based on
// which of --listen/--dial was given, the way the teacher's single
// rootCmd validates flag combinations inline inside its own RunE.
func run(cmd *cobra.Command, args []string) error {
	switch {
	case flagListen != "" && flagDial != "":
		return fmt.Errorf("--listen and --dial are mutually exclusive")
	case flagListen != "":
		return runListen(flagListen)
	case flagDial != "":
		return runDial(flagDial)
	default:
		return fmt.Errorf("one of --listen or --dial is required")
	}
}

func runListen(addr string) error {
	log := logger()
	cfg, local, err := buildConfig(log)
	if err != nil {
		return err
	}
	log.Info().Str("public_key", hex.EncodeToString(local.Public)).Msg("local static public key")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := signalContext()
	defer cancel()

	driver, err := cfg.Inbound(netio.FromConn(conn))
	if err != nil {
		return err
	}
	remote, stream, err := handshake.Run(ctx, driver)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	log.Info().Str("remote_public_key", hex.EncodeToString(remote[:])).Msg("handshake complete")

	return echoLoop(ctx, stream, log)
}

func runDial(addr string) error {
	log := logger()
	cfg, local, err := buildConfig(log)
	if err != nil {
		return err
	}
	log.Info().Str("public_key", hex.EncodeToString(local.Public)).Msg("local static public key")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := signalContext()
	defer cancel()

	driver, err := cfg.Outbound(netio.FromConn(conn))
	if err != nil {
		return err
	}
	remote, stream, err := handshake.Run(ctx, driver)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	log.Info().Str("remote_public_key", hex.EncodeToString(remote[:])).Msg("handshake complete")

	return echoLoop(ctx, stream, log)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

// echoLoop reads lines from stdin, writes each as a transport-mode
// frame, and prints whatever the peer sends back, retrying on
// netio.ErrWouldBlock the way handshake.Run does.
func echoLoop(ctx context.Context, stream *codec.Conn, log zerolog.Logger) error {
	defer stream.Shutdown()
	defer stream.Release()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := blockingRead(ctx, stream, buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Msg("read loop ended")
				}
				return
			}
			if n > 0 {
				fmt.Printf("< %s", buf[:n])
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if err := blockingWrite(ctx, stream, line); err != nil {
			return err
		}
	}
	return nil
}

func blockingRead(ctx context.Context, stream *codec.Conn, buf []byte) (int, error) {
	for {
		n, err := stream.Read(buf)
		if err == nil {
			if n == 0 {
				// The codec's clean-EOF state returns (0, nil)
				// forever once the peer has shut down; translate
				// that into io.EOF so this loop stops instead of
				// spinning.
				return 0, io.EOF
			}
			return n, nil
		}
		if errors.Is(err, netio.ErrWouldBlock) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}
		return 0, err
	}
}

func blockingWrite(ctx context.Context, stream *codec.Conn, p []byte) error {
	off := 0
	for off < len(p) {
		n, err := stream.Write(p[off:])
		if err != nil {
			if errors.Is(err, netio.ErrWouldBlock) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
				continue
			}
			return err
		}
		off += n
	}
	for {
		err := stream.Flush()
		if err == nil {
			return nil
		}
		if errors.Is(err, netio.ErrWouldBlock) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}
		return err
	}
}
