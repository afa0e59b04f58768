// Command kv-server runs a standalone KV server over net/rpc.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gokvlock/kvlock/kvnet"
	"github.com/gokvlock/kvlock/kvserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "kv-server",
		Short: "run a versioned key-value server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":7824", "address to listen on")
	flags.Bool("unreliable", false, "simulate network drops")
	flags.Float64("drop-rate", 0.1, "probability of a drop at each checkpoint, when unreliable")
	flags.String("log-level", "info", "logrus level: debug, info, warn, error")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("KV")
	v.AutomaticEnv()

	return cmd
}

func runServer(v *viper.Viper) error {
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	var opts []kvserver.Option
	if v.GetBool("unreliable") {
		opts = append(opts, kvserver.WithUnreliable(v.GetFloat64("drop-rate")))
	}
	kv := kvserver.NewKVServer(opts...)

	addr := v.GetString("addr")
	listener, err := kvnet.ServeRPC(addr, kv)
	if err != nil {
		return fmt.Errorf("kv-server: listen on %s: %w", addr, err)
	}
	logrus.WithField("addr", addr).Info("kv-server: listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logrus.Info("kv-server: shutting down")
	return listener.Close()
}
