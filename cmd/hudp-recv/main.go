// Command hudp-recv binds a H-UDP server and prints delivery stats
// periodically, for pairing with hudp-send in manual soak tests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hudpio/hudp"
	"github.com/hudpio/hudp/reliable"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("hudp-recv failed")
	}
}

func newRootCmd() *cobra.Command {
	var (
		port    uint16
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "hudp-recv",
		Short: "Bind a H-UDP server and report delivery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return run(cmd.Context(), port)
		},
	}

	flags := cmd.Flags()
	flags.Uint16Var(&port, "port", 9100, "local bind port")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	return cmd
}

type stats struct {
	reliable, unreliable, skipped uint64
}

func run(ctx context.Context, port uint16) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var st stats

	cfg := hudp.DefaultConfig()
	server, err := hudp.NewServer(port, cfg, func(r hudp.Received) {
		if r.Channel.String() == "RELIABLE" {
			atomic.AddUint64(&st.reliable, 1)
		} else {
			atomic.AddUint64(&st.unreliable, 1)
		}
		if r.Skipped {
			atomic.AddUint64(&st.skipped, 1)
		}
	}, func(peer string, ev reliable.Event) {
		if ev.Kind == reliable.EventSkipGap {
			logrus.WithFields(logrus.Fields{"peer": peer, "from": ev.FromSeq, "to": ev.ToSeq, "waited_ms": ev.WaitedMs}).Warn("gap skipped")
		}
	})
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer server.Close()

	logrus.WithField("port", port).Info("listening")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			report(&st)
			return nil
		case <-ticker.C:
			report(&st)
		}
	}
}

func report(st *stats) {
	logrus.WithFields(logrus.Fields{
		"reliable":   atomic.LoadUint64(&st.reliable),
		"unreliable": atomic.LoadUint64(&st.unreliable),
		"skipped":    atomic.LoadUint64(&st.skipped),
	}).Info("stats")
}
