// trackerctl is the operator console for the confluence tracker. It edits
// subscriptions and settings directly in the shared database; the running
// daemon picks changes up on its next directory refresh, so no restart is
// needed.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/confluence-tracker/pkg/analyzer"
	"github.com/confluence-tracker/pkg/config"
	"github.com/confluence-tracker/pkg/db"
	"github.com/confluence-tracker/pkg/directory"
	"github.com/confluence-tracker/pkg/recap"
	"github.com/confluence-tracker/pkg/scanner"
	"github.com/confluence-tracker/pkg/telegram"
)

var subscribeCommand = &cli.Command{
	Name:      "subscribe",
	Usage:     "watch a tracker feed for a tenant",
	ArgsUsage: "<tracker> <tenant> <type A|B|C>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "actor", Value: "trackerctl", Usage: "who set the subscription up"},
	},
	Action: runSubscribe,
}

var unsubscribeCommand = &cli.Command{
	Name:      "unsubscribe",
	Usage:     "stop watching a tracker and purge its stored trades",
	ArgsUsage: "<tracker> <tenant>",
	Action:    runUnsubscribe,
}

var settingsCommand = &cli.Command{
	Name:      "settings",
	Usage:     "show or update a tenant's detection thresholds",
	ArgsUsage: "<tenant> [minWallets windowMinutes]",
	Action:    runSettings,
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list active subscriptions",
	Flags: []cli.Flag{
		&cli.Int64Flag{Name: "tenant", Usage: "only show one tenant"},
	},
	Action: runList,
}

var recapCommand = &cli.Command{
	Name:      "recap",
	Usage:     "analyze a tenant's recent confluences against price history",
	ArgsUsage: "<tenant> [hours]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "text", Usage: "print the chat-formatted recap instead of tables"},
	},
	Action: runRecap,
}

var loginCommand = &cli.Command{
	Name:      "login",
	Usage:     "authorize a telegram session file interactively",
	ArgsUsage: "[session-file]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "phone", Usage: "phone number, prompted when empty"},
	},
	Action: runLogin,
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "trackerctl",
		Usage: "operator console for the confluence tracker",
		Commands: []*cli.Command{
			subscribeCommand,
			unsubscribeCommand,
			settingsCommand,
			listCommand,
			recapCommand,
			loginCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSubscribe(c *cli.Context) error {
	if c.NArg() != 3 {
		return fmt.Errorf("usage: trackerctl subscribe <tracker> <tenant> <type A|B|C>")
	}
	tracker := c.Args().Get(0)
	tenantID, err := argInt64(c, 1, "tenant")
	if err != nil {
		return err
	}
	typ := db.TrackerType(strings.ToUpper(c.Args().Get(2)))
	if !db.ValidTrackerType(typ) {
		return fmt.Errorf("unknown tracker type %q, want A, B or C", c.Args().Get(2))
	}

	_, store, dir, err := open()
	if err != nil {
		return err
	}
	defer store.Close()

	status, err := dir.Subscribe(tracker, tenantID, typ, c.String("actor"))
	if err != nil {
		return err
	}
	switch status {
	case directory.SubscribeOK:
		fmt.Printf("➕ %s now watched for tenant %d (type %s), daemon picks it up within a minute\n", tracker, tenantID, typ)
	case directory.SubscribeDuplicate:
		fmt.Printf("%s is already watched for tenant %d, nothing to do\n", tracker, tenantID)
	case directory.SubscribeMax:
		return fmt.Errorf("tenant %d already watches %d trackers, unsubscribe one first", tenantID, directory.MaxTrackersPerTenant)
	}
	return nil
}

func runUnsubscribe(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: trackerctl unsubscribe <tracker> <tenant>")
	}
	tracker := c.Args().Get(0)
	tenantID, err := argInt64(c, 1, "tenant")
	if err != nil {
		return err
	}

	_, store, dir, err := open()
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := dir.Unsubscribe(tracker, tenantID)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("tenant %d has no active subscription for %s\n", tenantID, tracker)
		return nil
	}
	if err := store.PurgeTrackerData(tenantID, tracker); err != nil {
		return fmt.Errorf("subscription removed but purge failed: %w", err)
	}
	fmt.Printf("➖ %s unwatched for tenant %d, stored trades purged\n", tracker, tenantID)
	return nil
}

func runSettings(c *cli.Context) error {
	if c.NArg() != 1 && c.NArg() != 3 {
		return fmt.Errorf("usage: trackerctl settings <tenant> [minWallets windowMinutes]")
	}
	tenantID, err := argInt64(c, 0, "tenant")
	if err != nil {
		return err
	}

	_, store, dir, err := open()
	if err != nil {
		return err
	}
	defer store.Close()

	if c.NArg() == 1 {
		s := dir.Settings(tenantID)
		fmt.Printf("⚙️ tenant %d: min wallets %d, window %d minutes\n", tenantID, s.MinWallets, s.WindowMinutes)
		return nil
	}

	minWallets, err := argInt(c, 1, "minWallets")
	if err != nil {
		return err
	}
	windowMinutes, err := argInt(c, 2, "windowMinutes")
	if err != nil {
		return err
	}
	s, err := dir.UpdateSettings(tenantID, minWallets, windowMinutes)
	if err != nil {
		return err
	}
	fmt.Printf("⚙️ tenant %d: min wallets %d, window %d minutes\n", tenantID, s.MinWallets, s.WindowMinutes)
	if s.MinWallets != minWallets || s.WindowMinutes != windowMinutes {
		fmt.Println("requested values were outside the allowed ranges and got clamped")
	}
	return nil
}

func runList(c *cli.Context) error {
	_, store, _, err := open()
	if err != nil {
		return err
	}
	defer store.Close()

	subs, err := store.ListActiveSubscriptions()
	if err != nil {
		return err
	}
	tenantFilter := c.Int64("tenant")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Tracker", "Type", "Tenant", "Bound ID", "Setup By", "Since"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	rows := 0
	for _, sub := range subs {
		if tenantFilter != 0 && sub.TenantID != tenantFilter {
			continue
		}
		bound := "-"
		if sub.TrackerID != 0 {
			bound = strconv.FormatInt(sub.TrackerID, 10)
		}
		table.Append([]string{
			sub.Tracker, string(sub.Type), strconv.FormatInt(sub.TenantID, 10),
			bound, sub.SetupBy, sub.CreatedAt.Format("2006-01-02"),
		})
		rows++
	}
	if rows == 0 {
		fmt.Println("no active subscriptions")
		return nil
	}
	table.Render()
	return nil
}

func runRecap(c *cli.Context) error {
	if c.NArg() != 1 && c.NArg() != 2 {
		return fmt.Errorf("usage: trackerctl recap <tenant> [hours]")
	}
	tenantID, err := argInt64(c, 0, "tenant")
	if err != nil {
		return err
	}
	hours := 24
	if c.NArg() == 2 {
		if hours, err = argInt(c, 1, "hours"); err != nil {
			return err
		}
	}

	cfg, store, _, err := open()
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.BirdeyeAPIKey == "" {
		return fmt.Errorf("BIRDEYE_API_KEY is required for price history")
	}

	// A full recap scans price history for every detection and can run for
	// minutes under rate limiting, so honor ctrl-c mid-scan.
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prices := scanner.New(cfg.BirdeyeAPIKey, cfg.BirdeyeBaseURL, cfg.AnalyzerRPS)
	report, err := recap.New(store, analyzer.New(prices)).Build(ctx, tenantID, hours)
	if err != nil {
		return err
	}
	if c.Bool("text") {
		fmt.Println(recap.RenderText(report))
		return nil
	}
	recap.RenderTable(os.Stdout, report)
	return nil
}

func runLogin(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.TelegramAPIID == 0 || cfg.TelegramAPIHash == "" {
		return fmt.Errorf("TELEGRAM_API_ID and TELEGRAM_API_HASH are required")
	}
	file := c.Args().First()
	if file == "" && len(cfg.TelegramSessions) > 0 {
		file = cfg.TelegramSessions[0]
	}
	if file == "" {
		return fmt.Errorf("no session file given and TELEGRAM_SESSIONS is empty")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return telegram.Login(ctx, cfg, file, c.String("phone"))
}

// open loads the config and connects the store and directory. Log level
// follows the config so CLI output stays quiet unless asked otherwise.
func open() (*config.Config, *db.Store, *directory.Directory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	dir, err := directory.New(store, cfg.DefaultMinWallets, cfg.DefaultWindowMinutes)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return cfg, store, dir, nil
}

func argInt64(c *cli.Context, i int, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Args().Get(i), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be numeric, got %q", name, c.Args().Get(i))
	}
	return v, nil
}

func argInt(c *cli.Context, i int, name string) (int, error) {
	v, err := argInt64(c, i, name)
	return int(v), err
}
