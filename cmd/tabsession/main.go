// tabsession manages the signed-in session of a client profile from the
// command line. Every invocation behaves like one tab of the profile:
// it restores the stored session, runs one command, and exits. The watch
// command stays attached, keeping the token fresh and following changes
// made by other processes sharing the profile.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/aussiebroadwan/tabsession/internal/app"
	"github.com/aussiebroadwan/tabsession/internal/session"
	"github.com/aussiebroadwan/tabsession/pkg/authsdk"
)

const usage = `usage: tabsession [flags] <command>

commands:
  login      sign in with --username and --password
  register   create an account with --email, --username and --password
  logout     end the session and clear the profile
  status     print the current session
  refresh    refresh the token now if it is due
  watch      keep the session fresh until interrupted

flags:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := app.LoadConfig()

	var username, password, email, displayName string

	flagSet := pflag.NewFlagSet("tabsession", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Profile, "profile", cfg.Profile, "profile name")
	flagSet.StringVar(&cfg.StoreDriver, "driver", cfg.StoreDriver, "storage driver (memory, sqlite, redis)")
	flagSet.StringVar(&cfg.DatabaseFile, "db", cfg.DatabaseFile, "sqlite profile file")
	flagSet.StringVar(&cfg.APIURL, "api", cfg.APIURL, "application backend URL")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /metrics on this address")
	flagSet.StringVarP(&username, "username", "u", "", "username for login or register")
	flagSet.StringVarP(&password, "password", "p", os.Getenv("SESSION_PASSWORD"), "password (default $SESSION_PASSWORD)")
	flagSet.StringVar(&email, "email", "", "email for register")
	flagSet.StringVar(&displayName, "name", "", "display name for register")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() != 1 {
		printHelp(flagSet)
		if help {
			return nil
		}
		return errors.New("expected exactly one command")
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		_ = application.Shutdown()
		return err
	}

	command := flagSet.Arg(0)
	if command == "watch" {
		return application.Run(ctx)
	}
	defer func() { _ = application.Shutdown() }()

	switch command {
	case "login":
		if username == "" || password == "" {
			return errors.New("login needs --username and --password")
		}
		if err := application.Login(ctx, username, password); err != nil {
			return err
		}
		return printStatus(ctx, application)

	case "register":
		if email == "" || password == "" {
			return errors.New("register needs --email and --password")
		}
		err := application.Register(ctx, authsdk.RegisterRequest{
			Email:         email,
			Username:      username,
			PreferredName: displayName,
			Password:      password,
		})
		if err != nil {
			return err
		}
		return printStatus(ctx, application)

	case "logout":
		return application.Session().Logout(ctx)

	case "status":
		return printStatus(ctx, application)

	case "refresh":
		outcome, err := application.Scheduler().RefreshNow(ctx)
		fmt.Println(outcome)
		return err

	default:
		printHelp(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}
}

type status struct {
	Authenticated bool      `json:"authenticated"`
	Version       string    `json:"version"`
	UserID        string    `json:"user_id,omitempty"`
	Email         string    `json:"email,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

func printStatus(ctx context.Context, application *app.Application) error {
	state := application.Session().State()
	out := status{
		Authenticated: state.Authenticated(),
		Version:       string(state.Version),
		UserID:        state.UserID(),
		CheckedAt:     time.Now().UTC(),
	}

	if state.Authenticated() {
		out.Email = state.User.Email
		out.DisplayName = state.User.DisplayName

		profile, err := application.Profile(ctx)
		switch {
		case err == nil:
			out.Email = profile.Email
			out.DisplayName = profile.DisplayName
		case errors.Is(err, session.ErrSessionExpired):
			return err
		default:
			application.Logger().Warn("profile unavailable", "error", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, usage)
	flagSet.PrintDefaults()
}
