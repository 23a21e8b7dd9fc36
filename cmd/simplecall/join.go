package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/simplecall/pkg/client"
	"github.com/saintparish4/simplecall/pkg/holepunch"
	"github.com/saintparish4/simplecall/pkg/netutil"
)

func newJoinCmd() *cobra.Command {
	var relay bool
	var punch bool

	cmd := &cobra.Command{
		Use:   "join HOST:PORT ROOM",
		Short: "Join a room and exchange lines of text with the partner",
		Long: `Join a room on a simplecall server. Once the partner joins, every line
read from stdin is sent as one datagram and every datagram received is
printed to stdout.

Both sides must agree on --relay.

Examples:
  simplecall join 203.0.113.7:8383 lobby
  simplecall join 203.0.113.7:8383 lobby --relay
  simplecall join ws://203.0.113.7:8384/ws lobby`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(args[0], args[1], relay, punch, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVar(&relay, "relay", false, "relay traffic through the server")
	cmd.Flags().BoolVar(&punch, "punch", true, "punch a NAT hole before exchanging data (direct mode only)")
	return cmd
}

func runJoin(addr, room string, relay, punch bool, in io.Reader, out, status io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(status, "Joining room %q on %s...\n", room, addr)

	call, err := client.Join(ctx, client.Options{
		Addr:  addr,
		Room:  room,
		Relay: relay,
		OnWaiting: func() {
			fmt.Fprintln(status, "Waiting for partner...")
		},
	})
	if err != nil {
		return fmt.Errorf("join failed: %w", err)
	}
	defer call.Close()

	mode := "direct"
	if call.Relay {
		mode = "relay"
	}
	fmt.Fprintf(status, "Connected (%s), talking to %s\n", mode, call.Peer)

	if !call.Relay && punch {
		first, err := holepunch.Punch(ctx, call.Conn, call.Peer, holepunch.DefaultConfig())
		if err != nil {
			return err
		}
		if first != nil {
			fmt.Fprintln(out, string(first))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return receiveLines(gctx, call, out)
	})
	g.Go(func() error {
		err := sendLines(gctx, call, readLines(in))
		// Stdin closed: stop receiving too.
		call.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// readLines scans in on its own goroutine, which may outlive the call while
// blocked on a terminal read.
func readLines(in io.Reader) <-chan []byte {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- append([]byte(nil), scanner.Bytes()...)
		}
	}()
	return lines
}

func sendLines(ctx context.Context, call *client.Call, lines <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := call.Send(line); err != nil {
				return err
			}
		}
	}
}

func receiveLines(ctx context.Context, call *client.Call, out io.Writer) error {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, _, err := call.Receive(buf, 500*time.Millisecond)
		if err != nil {
			if netutil.IsTimeout(err) {
				continue
			}
			return err
		}
		if n == 0 || holepunch.IsPunch(buf[:n]) {
			continue
		}
		fmt.Fprintln(out, string(buf[:n]))
	}
}
