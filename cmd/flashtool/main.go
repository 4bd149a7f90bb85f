// Command flashtool inspects and manipulates a flash controller image from
// the host. It drives the real controller driver against the register-level
// device model, so everything it does exercises the same code path a target
// build runs.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"flashctl/blockdev"
	"flashctl/flashctrl"
	"flashctl/flashsim"
	"flashctl/internal/buildinfo"
)

type Globals struct {
	Image   string `short:"i" default:"flash.img" type:"path" help:"Backing flash image file."`
	Verbose bool   `short:"v" help:"Enable debug logging."`
	NoColor bool   `help:"Disable colored output."`
}

var cli struct {
	Globals

	Info    infoCmd    `cmd:"" help:"Show image geometry and per-page summary."`
	Read    readCmd    `cmd:"" help:"Read pages to a file or stdout."`
	Write   writeCmd   `cmd:"" help:"Program pages from a file."`
	Erase   eraseCmd   `cmd:"" help:"Erase a page range."`
	Verify  verifyCmd  `cmd:"" help:"Compare pages against a file."`
	Region  regionCmd  `cmd:"" help:"Inspect and configure protection regions."`
	Fs      fsCmd      `cmd:"" help:"littlefs operations on the image."`
	Version versionCmd `cmd:"" help:"Print version."`
}

// env is the opened device stack shared by all subcommands: a file-backed
// flash array, the controller model on top of it, the driver on top of
// that, and the synchronous block adapter over the driver.
type env struct {
	store *flashsim.FileStore
	sim   *flashsim.Sim
	ctrl  *flashctrl.Controller
	dev   *blockdev.Device
	log   *slog.Logger
}

func openEnv(g Globals) (*env, error) {
	level := slog.LevelInfo
	if g.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := flashsim.OpenFileStore(g.Image, flashctrl.TotalBytes)
	if err != nil {
		return nil, err
	}
	sim, err := flashsim.New(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	if g.Verbose {
		sim.SetLogger(log)
	}
	ctrl, err := flashctrl.New(sim, flashctrl.Region0, flashctrl.Bank0)
	if err != nil {
		store.Close()
		return nil, err
	}
	sim.SetIRQHandler(ctrl.HandleInterrupt)
	dev := blockdev.New(ctrl, sim.Step)
	return &env{store: store, sim: sim, ctrl: ctrl, dev: dev, log: log}, nil
}

func (e *env) Close() error { return e.store.Close() }

type versionCmd struct{}

func (versionCmd) Run(*env) error {
	fmt.Println("flashtool", buildinfo.Short())
	return nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("flashtool"),
		kong.Description("Flash page controller image tool."),
		kong.UsageOnError(),
	)
	if cli.NoColor {
		color.NoColor = true
	}
	// Version needs no device stack, and must not create an image file.
	if ctx.Command() == "version" {
		fmt.Println("flashtool", buildinfo.Short())
		return
	}
	e, err := openEnv(cli.Globals)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("flashtool: %v", err))
		os.Exit(1)
	}
	defer e.Close()

	if err := ctx.Run(e); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("flashtool: %v", err))
		os.Exit(1)
	}
}
