package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/1-Hash/ZEO/pkg/zeo"
	"github.com/1-Hash/ZEO/pkg/zeo/memcache"
)

func main() {
	var addrs []string
	var storageKey string
	var readOnly string
	var verbose bool
	var heartbeat time.Duration
	var blobCodec string

	cmd := &cobra.Command{
		Use:   "zeoclient",
		Short: "Connect to a ZEO-style storage server and print its info",
		Long: `zeoclient opens a Client against one or more storage server
addresses, waits for readiness, prints the server's get_info() mapping,
and then idles until interrupted.

Complete documentation is available alongside the zeo package.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := buildOpts(addrs, storageKey, readOnly, heartbeat, blobCodec, verbose)
			if err != nil {
				return err
			}

			runner, err := zeo.NewRunner(opts...)
			if err != nil {
				return errors.Wrap(err, "starting runner")
			}
			defer runner.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			raw, err := runner.Call(ctx, "get_info")
			if err != nil {
				return errors.Wrap(err, "waiting for readiness")
			}
			var info map[string]interface{}
			if b, ok := raw.([]byte); ok {
				// runner.Call returns the reply's still-encoded argument
				// payload; decode it with the default wire codec (the
				// only one this CLI ever installs).
				_ = (zeo.GobCodec{}).DecodeArgs(b, &info)
			}
			fmt.Printf("connected: %v\n", info)

			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			<-ch
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&addrs, "addr", "a", nil, "server address, host:port or /path/to/socket (repeatable)")
	flags.StringVarP(&storageKey, "storage-key", "s", "1", "storage key passed to register()")
	flags.StringVarP(&readOnly, "read-only", "r", "false", `read-only mode: "true", "false", or "fallback"`)
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	flags.DurationVar(&heartbeat, "heartbeat", 60*time.Second, "client heartbeat interval")
	flags.StringVar(&blobCodec, "blob-codec", "none", "blob chunk codec: none, s2, snappy, or lz4")

	cmd.MarkFlagRequired("addr")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildOpts(rawAddrs []string, storageKey, readOnly string, heartbeat time.Duration, blobCodec string, verbose bool) ([]zeo.ClientOpt, error) {
	addrs := make([]zeo.Addr, 0, len(rawAddrs))
	for _, raw := range rawAddrs {
		a, err := parseAddr(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing address %q", raw)
		}
		addrs = append(addrs, a)
	}

	mode, err := parseReadOnly(readOnly)
	if err != nil {
		return nil, err
	}

	opts := []zeo.ClientOpt{
		zeo.WithAddrs(addrs...),
		zeo.WithStorageKey(storageKey),
		zeo.WithReadOnly(mode),
		zeo.WithHeartbeatInterval(heartbeat),
		zeo.WithBlobCodec(blobCodec),
		zeo.WithCache(memcache.New()),
	}
	if verbose {
		opts = append(opts, zeo.WithLogger(zeo.NewBasicLogger(zeo.LogLevelInfo)))
	}
	return opts, nil
}

// parseAddr accepts either a filesystem path (starting with "/") or a
// host:port pair.
func parseAddr(raw string) (zeo.Addr, error) {
	if strings.HasPrefix(raw, "/") {
		return zeo.UnixAddr(raw), nil
	}
	host, portStr, err := splitHostPort(raw)
	if err != nil {
		return zeo.Addr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return zeo.Addr{}, errors.Wrapf(err, "bad port %q", portStr)
	}
	return zeo.TCPAddr(host, int32(port)), nil
}

func splitHostPort(raw string) (string, string, error) {
	i := strings.LastIndex(raw, ":")
	if i < 0 {
		return "", "", errors.Errorf("expected host:port, got %q", raw)
	}
	return raw[:i], raw[i+1:], nil
}

func parseReadOnly(s string) (zeo.ReadOnlyMode, error) {
	switch strings.ToLower(s) {
	case "true":
		return zeo.ReadOnly, nil
	case "false":
		return zeo.ReadWrite, nil
	case "fallback":
		return zeo.Fallback, nil
	default:
		return 0, errors.Errorf(`invalid --read-only value %q: want "true", "false", or "fallback"`, s)
	}
}
