package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/andy6609/chat-relay/internal/client"
	"github.com/andy6609/chat-relay/internal/config"
	"github.com/andy6609/chat-relay/internal/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		host  string
		port  int
		retry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chatclient NAME",
		Short: "Console client for the chat relay",
		Long: `chatclient joins the relay as NAME, sends every line read from stdin
and prints every record it receives. Type "bye" or hit ^D to leave.`,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := net.JoinHostPort(host, strconv.Itoa(port))
			return run(cmd.Context(), addr, args[0], retry, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&host, "host", "localhost", "relay host")
	fs.IntVarP(&port, "port", "p", config.DefaultPort, "relay port")
	fs.DurationVar(&retry, "retry", 0, "keep retrying a refused connection for this long")
	return cmd
}

func run(ctx context.Context, addr, name string, retry time.Duration, in io.Reader, out io.Writer) error {
	c, err := client.Dial(ctx, addr, name, client.WithRetry(retry))
	if err != nil {
		return err
	}
	return c.Run(ctx, in, func(m protocol.Message) {
		fmt.Fprintln(out, m.String())
	})
}
