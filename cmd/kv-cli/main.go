// Command kv-cli is a demo client for the KV server: a thin wrapper over
// kvclerk.Clerk and kvlock.Lock for interactive or scripted use.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gokvlock/kvlock/kvclerk"
	"github.com/gokvlock/kvlock/kvnet"
	"github.com/gokvlock/kvlock/rpc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{Use: "kv-cli"}
	flags := root.PersistentFlags()
	flags.String("server", "127.0.0.1:7824", "KV server address")
	flags.Int("max-retries", 10, "max attempts per logical RPC")
	flags.Duration("retry-delay", 10*time.Millisecond, "backoff base")
	_ = v.BindPFlags(flags)

	root.AddCommand(newGetCmd(v), newPutCmd(v), newLockCmd(v), newStatsCmd(v))
	return root
}

func newClerk(v *viper.Viper) *kvclerk.Clerk {
	end := kvnet.DialRPC(v.GetString("server"))
	return kvclerk.New(end,
		kvclerk.WithMaxRetries(v.GetInt("max-retries")),
		kvclerk.WithRetryDelay(v.GetDuration("retry-delay")),
	)
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:  "get <key>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, version, err := newClerk(v).Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t(version %d)\n", value, version)
			return nil
		},
	}
}

func newPutCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:  "put <key> <value> <version>",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("parse version: %w", err)
			}
			return newClerk(v).Put(args[0], args[1], version)
		},
	}
}

func newLockCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{Use: "lock"}
	cmd.AddCommand(&cobra.Command{
		Use:  "acquire <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClerk(v)
			if !c.NewLock(args[0]).AcquireWait() {
				return fmt.Errorf("failed to acquire lock %q", args[0])
			}
			fmt.Printf("acquired %q as %s\n", args[0], c.ClientID())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:  "release <name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClerk(v).NewLock(args[0]).Release()
		},
	})
	return cmd
}

func newStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use: "stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			end := kvnet.DialRPC(v.GetString("server"))
			var reply rpc.StatsReply
			if !end.Call("KVServer.Stats", &rpc.StatsArgs{}, &reply) {
				return fmt.Errorf("stats: no reply from server")
			}
			fmt.Printf("keys=%d cached_replies=%d\n", reply.NumKeys, reply.CachedReplies)
			return nil
		},
	}
}
