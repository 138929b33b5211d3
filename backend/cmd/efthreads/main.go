// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command efthreads is a device runtime for the thread API: it holds the
// user's private key, seals messages for every member and opens them
// again on read.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/efchatnet/efthreads/backend/client"
	"github.com/efchatnet/efthreads/backend/config"
	"github.com/efchatnet/efthreads/backend/crypto"
	"github.com/efchatnet/efthreads/backend/logging"
	"github.com/efchatnet/efthreads/backend/messaging"
	"github.com/efchatnet/efthreads/backend/models"
)

const usage = `usage: efthreads [flags] <command> [args]

commands:
  threads                      list your threads
  create <kind> [subject] -- <user>...
                               create a direct, group or broadcast thread
  invite <thread> <user>       add a member
  send <thread> <text>         send a message
  history <thread> [after]     print messages after a sequence number
  follow <thread>              print messages as they arrive
`

func main() {
	godotenv.Load()

	defaults := config.Default()
	server := flag.String("server", envOr("EFTHREADS_SERVER", "http://localhost:8081"), "server base URL")
	token := flag.String("token", os.Getenv("EFTHREADS_TOKEN"), "bearer token")
	user := flag.String("user", os.Getenv("EFTHREADS_USER"), "your user id")
	keyFile := flag.String("keyfile", os.Getenv("EFTHREADS_KEYFILE"), "private key file (default ~/.efthreads/<user>.json)")
	workers := flag.Int("workers", defaults.Messaging.FanOutWorkers, "concurrent key lookups per send")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 || *user == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "efthreads: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *keyFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "efthreads: %v\n", err)
			os.Exit(1)
		}
		*keyFile = filepath.Join(home, ".efthreads", *user+".json")
	}

	api, err := client.New(*server, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efthreads: %v\n", err)
		os.Exit(1)
	}
	device := client.NewDevice(api, *user, client.DeviceOptions{
		KeyFile:      *keyFile,
		KeyCacheSize: defaults.Directory.CacheSize,
		Messaging: messaging.Options{
			FanOutWorkers: *workers,
			LookupTimeout: defaults.Messaging.LookupTimeout,
			StoreTimeout:  defaults.Messaging.StoreTimeout,
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, device, flag.Args()); err != nil {
		logger.Debug("command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "efthreads: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, d *client.Device, args []string) error {
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}
	api := d.API()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "threads":
		threads, err := api.ListThreads(ctx, false)
		if err != nil {
			return err
		}
		for _, t := range threads {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Kind, t.DisplayName)
		}
		return nil

	case "create":
		if len(rest) < 1 {
			return fmt.Errorf("create needs a kind")
		}
		kind, err := models.ParseThreadKind(rest[0])
		if err != nil {
			return err
		}
		subject, members := splitMembers(rest[1:])
		t, err := api.CreateThread(ctx, kind, members, subject)
		if err != nil {
			return err
		}
		fmt.Println(t.ID)
		return nil

	case "invite":
		if len(rest) != 2 {
			return fmt.Errorf("invite needs a thread and a user")
		}
		return api.AddParticipant(ctx, rest[0], rest[1])

	case "send":
		if len(rest) < 2 {
			return fmt.Errorf("send needs a thread and text")
		}
		msg, err := d.Send(ctx, rest[0], strings.Join(rest[1:], " "))
		if messaging.IsSendRejected(err) {
			return fmt.Errorf("not sent: %w", err)
		}
		if err != nil {
			return err
		}
		if msg.EnvelopeMap != nil {
			fmt.Printf("sent %s seq=%d recipients=%d suite=%s\n", msg.ID, msg.Seq, len(msg.EnvelopeMap), crypto.Ciphersuite)
		} else {
			fmt.Printf("sent %s seq=%d\n", msg.ID, msg.Seq)
		}
		return nil

	case "history":
		if len(rest) < 1 {
			return fmt.Errorf("history needs a thread")
		}
		var after int64
		if len(rest) > 1 {
			n, err := strconv.ParseInt(rest[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence number %q", rest[1])
			}
			after = n
		}
		msgs, err := d.History(ctx, rest[0], after)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return api.MarkRead(ctx, rest[0])

	case "follow":
		if len(rest) != 1 {
			return fmt.Errorf("follow needs a thread")
		}
		view := d.NewThreadView()
		view.Open(ctx, rest[0], printMessage)
		<-ctx.Done()
		view.Close()
		return view.Err()

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// splitMembers reads "[subject] -- user...". Without "--" every argument
// is a member.
func splitMembers(args []string) (string, []string) {
	for i, a := range args {
		if a == "--" {
			return strings.Join(args[:i], " "), args[i+1:]
		}
	}
	return "", args
}

func printMessage(m models.DisplayMessage) {
	marker := ""
	if !m.Readable() {
		marker = " [" + string(m.State) + "]"
	}
	fmt.Printf("%d %s %s: %s%s\n", m.Seq, m.CreatedAt.Format("2006-01-02 15:04"), m.SenderID, m.Content, marker)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
