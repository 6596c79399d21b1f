// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emiago/softphone"
)

func setupLogger() {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)
	sip.SIPDebug = os.Getenv("SIP_DEBUG") == "true"
	sip.TransactionFSMDebug = os.Getenv("SIP_TRANSACTION_DEBUG") == "true"
}

func main() {
	setupLogger()

	var (
		username = flag.String("username", "alice", "SIP username")
		password = flag.String("password", "", "SIP password")
		server   = flag.String("server", "127.0.0.1", "SIP server host")
		port     = flag.Int("port", 5060, "SIP server port")
		bindHost = flag.String("bind", "127.0.0.1", "Local bind host")
		bindPort = flag.Int("bind-port", 5070, "Local bind port")
		httpAddr = flag.String("http", "", "Expose prometheus metrics on address, empty disables")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *username, *password, *server, *port, *bindHost, *bindPort, *httpAddr); err != nil {
		slog.Error("Softphone exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, username, password, server string, port int, bindHost string, bindPort int, httpAddr string) error {
	tp := softphone.NewSIPTransport(softphone.SIPConfig{
		Username:       username,
		Password:       password,
		ServerHost:     server,
		ServerPort:     port,
		BindHost:       bindHost,
		BindPort:       bindPort,
		RegisterExpiry: 300 * time.Second,
	}, slog.Default())

	opts := []softphone.PhoneOption{}
	if httpAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, softphone.WithMetrics(softphone.NewMetrics(reg)))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(httpAddr, mux); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	phone := softphone.NewPhone(tp, opts...)
	phone.OnCallEnded(func(rec softphone.CallRecord) {
		fmt.Printf("call ended number=%s status=%s duration=%ds\n", rec.Number, rec.FinalStatus, rec.DurationSeconds)
	})
	phone.OnMissedCalls(func(unread int) {
		fmt.Printf("missed calls: %d\n", unread)
	})
	phone.ServeBackground(ctx)

	fmt.Println("commands: dial <number> | answer | decline | hangup | hold | resume | swap | dtmf <digit> | transfer <dest> | list | quit")
	return repl(ctx, phone)
}

func repl(ctx context.Context, phone *softphone.Phone) error {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd := fields[0]
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch cmd {
		case "dial":
			id, err := phone.MakeCall(arg)
			if err != nil {
				fmt.Println("dial failed:", err)
				continue
			}
			fmt.Println("dialing, call id:", id)
		case "answer":
			if _, ok := phone.WaitingCall(); ok {
				phone.AnswerWaitingCall()
				continue
			}
			if ci, ok := phone.CurrentCall(); ok {
				phone.AnswerCall(ci.ID)
			}
		case "decline":
			if _, ok := phone.WaitingCall(); ok {
				phone.DeclineWaitingCall()
				continue
			}
			if ci, ok := phone.CurrentCall(); ok {
				phone.RejectCall(ci.ID)
			}
		case "hangup":
			if ci, ok := phone.CurrentCall(); ok {
				phone.EndCall(ci.ID)
			}
		case "hold":
			if ci, ok := phone.CurrentCall(); ok {
				phone.HoldCall(ci.ID)
			}
		case "resume":
			if ci, ok := phone.HeldCall(); ok {
				phone.ResumeCall(ci.ID)
			} else if ci, ok := phone.CurrentCall(); ok {
				phone.ResumeCall(ci.ID)
			}
		case "swap":
			phone.SwitchCalls()
		case "dtmf":
			if ci, ok := phone.CurrentCall(); ok && arg != "" {
				if err := phone.SendDTMF(ci.ID, rune(arg[0])); err != nil {
					fmt.Println("dtmf failed:", err)
				}
			}
		case "transfer":
			if ci, ok := phone.CurrentCall(); ok && arg != "" {
				phone.TransferCall(ci.ID, arg)
			}
		case "list":
			for _, ci := range phone.Calls() {
				fmt.Printf("%s %s %s line=%d status=%s\n", ci.ID, ci.Direction, ci.Number, ci.Line, ci.Status)
			}
			fmt.Println("registration:", phone.RegistrationState())
		case "quit":
			return nil
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
	return sc.Err()
}
