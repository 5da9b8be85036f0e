// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Thermoquad/kiln/pkg/history"
	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/profile"
	"github.com/Thermoquad/kiln/pkg/reflow"
	"github.com/Thermoquad/kiln/pkg/session"
	"github.com/Thermoquad/kiln/pkg/transport"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// GetPassword retrieves the bridge password from the environment or prompts the user
func GetPassword() (string, error) {
	if pw := os.Getenv("KILN_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// deviceToken returns the configured device or an error naming how to set one
func deviceToken() (string, error) {
	if cfg.Device == "" {
		return "", errors.New("no device: pass --device or set device in kiln.yaml")
	}
	if _, err := transport.ParseDevice(cfg.Device); err != nil {
		return "", err
	}
	return cfg.Device, nil
}

func newDialers() transport.Schemes {
	return transport.DefaultDialers(transport.DialOptions{
		Baud:          cfg.Transport.Baud,
		Username:      cfg.Transport.Username,
		Password:      GetPassword,
		SkipTLSVerify: cfg.Transport.SkipTLSVerify,
	})
}

// openConn dials the device directly, bypassing the session. Used by the
// frame-level diagnostics.
func openConn(ctx context.Context) (transport.Conn, string, error) {
	device, err := deviceToken()
	if err != nil {
		return nil, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Transport.ConnectTimeout)
	defer cancel()

	conn, err := newDialers().Dial(ctx, device)
	if err != nil {
		return nil, "", err
	}
	return conn, device, nil
}

func newStream() *transport.Stream {
	return transport.NewStream(newDialers(), transport.StreamOptions{
		IdleTimeout:    cfg.Transport.IdleTimeout,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		Logger:         log.Named("transport"),
	})
}

// loadProfiles builds the profile store. Without configured paths the
// built-in curves are used. Refused profiles are logged, not fatal, as long
// as at least one loads.
func loadProfiles() (*profile.Store, error) {
	if len(cfg.Profiles.Paths) == 0 {
		return profile.NewStore(profile.Builtin()...)
	}
	store, err := profile.Load(cfg.Profiles.Paths...)
	if err != nil {
		if store.Len() == 0 {
			return nil, err
		}
		log.Warnw("some profiles were not loaded", "err", err)
	}
	return store, nil
}

func sessionOptions(store *profile.Store, observers ...session.Observer) session.Options {
	return session.Options{
		Profiles: store,
		Reflow: reflow.Config{
			Tolerance:       cfg.Reflow.Tolerance,
			Debounce:        cfg.Reflow.Debounce,
			SafeTemperature: cfg.Reflow.SafeTemperature,
			Hysteresis:      cfg.Reflow.Hysteresis,
		},
		QueueDepth:             cfg.Session.QueueDepth,
		CommandTimeout:         cfg.Session.CommandTimeout,
		MaxConsecutiveTimeouts: cfg.Session.MaxConsecutiveTimeouts,
		SubscriberBuffer:       cfg.Session.SubscriberBuffer,
		MaxUnsynced:            cfg.Codec.MaxUnsyncedBytes,
		Observers:              observers,
		Logger:                 log.Named("session"),
	}
}

// newSession wires a session over a fresh stream
func newSession(observers ...session.Observer) (*session.Session, *profile.Store, error) {
	store, err := loadProfiles()
	if err != nil {
		return nil, nil, err
	}
	return session.New(newStream(), sessionOptions(store, observers...)), store, nil
}

// openHistory opens the run history database, or returns nils when
// history is disabled.
func openHistory() (*history.Store, *history.Recorder, func(), error) {
	if cfg.History.Path == "" {
		return nil, nil, func() {}, nil
	}
	db, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	store := history.NewStore(db)
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warnw("failed to close history", "err", err)
		}
	}
	return store, history.NewRecorder(store, log.Named("history")), closeDB, nil
}

// connect opens the session link. With retry, failures are retried with
// exponential backoff until ctx is done.
func connect(ctx context.Context, s *session.Session, device string, retry bool) error {
	backoff := initialBackoff
	for {
		err := s.Connect(ctx, device)
		if err == nil || !retry {
			return err
		}
		log.Warnw("connect failed, retrying", "device", device, "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// submit sends c and waits for its result
func submit(ctx context.Context, s *session.Session, c ovenlink.Command) (session.Result, error) {
	res, err := s.Submit(c).Wait(ctx)
	if err != nil {
		return res, err
	}
	return res, res.Err
}
