// Command saferoot-cli is a small front-end over the saferoot library's
// Root and Handle objects: one subcommand per library operation,
// driven by urfave/cli, including a cpu/memory profiling hook, a
// signal-driven exit handler and systemd readiness notifications.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/saferoot/config"
	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/root"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
)

const usage = `saferoot-cli path-resolution toolkit

saferoot-cli opens a trusted root directory and performs a single
containment-safe operation under it (resolve, mkdir, symlink, ...),
exercising the same Root/Handle objects the saferoot library exposes
to Go and C callers.
`

// exitHandler performs a signal-driven shutdown: log the signal,
// notify systemd the process is stopping, stop any profiling task,
// then exit.
func exitHandler(signalChan chan os.Signal, prof interface{ Stop() }) {
	s := <-signalChan
	logrus.Warnf("saferoot-cli caught signal: %s", s)

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	if prof != nil {
		prof.Stop()
	}

	os.Exit(1)
}

func runProfiler(ctx *cli.Context) interface{ Stop() } {
	switch ctx.GlobalString("profile") {
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	default:
		return nil
	}
}

func openRoot(ctx *cli.Context) (*root.Root, error) {
	resolverKind := domain.ResolverKernel
	if ctx.GlobalString("resolver") == "emulated" {
		resolverKind = domain.ResolverEmulated
	}
	cfg := config.RootRaw{
		Resolver:      resolverKind,
		AllowFallback: ctx.GlobalBoolT("allow-fallback"),
	}
	return root.Open(ctx.GlobalString("root"), cfg)
}

func reportErr(err error) error {
	if se, ok := err.(*saferr.Error); ok {
		return cli.NewExitError(fmt.Sprintf("saferoot-cli: %s", se.Error()), 1)
	}
	return cli.NewExitError(fmt.Sprintf("saferoot-cli: %s", err), 1)
}

func main() {
	app := cli.NewApp()
	app.Name = "saferoot-cli"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "root",
			Usage:    "trusted root directory every operation is relative to",
			Required: true,
		},
		cli.StringFlag{
			Name:  "resolver",
			Value: "kernel",
			Usage: "resolution engine to use: kernel or emulated",
		},
		cli.BoolTFlag{
			Name:  "allow-fallback",
			Usage: "fall back to the emulated resolver if the kernel one is unsupported (default: true)",
		},
		cli.BoolFlag{
			Name:  "backtraces",
			Usage: "capture a backtrace on every error",
		},
		cli.StringFlag{
			Name:  "profile",
			Usage: "enable profiling and write it under the current directory: cpu or mem",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
	}

	app.Before = func(ctx *cli.Context) error {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.SetLevel(logrus.InfoLevel)
		}

		config.InitDefaultFromEnv(os.Getenv)
		if ctx.GlobalBool("backtraces") {
			config.Default().SetGlobal(config.Global{ErrorBacktraces: true})
		}

		prof := runProfiler(ctx)

		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
		go exitHandler(signalChan, prof)

		systemd.SdNotify(false, systemd.SdNotifyReady)
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:      "resolve",
			Usage:     "resolve a path and report the resulting inode",
			ArgsUsage: "<path>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				h, err := r.Resolve(ctx.Args().First())
				if err != nil {
					return reportErr(err)
				}
				defer h.Free()

				fmt.Println("ok")
				return nil
			},
		},
		{
			Name:      "cat",
			Usage:     "resolve a path, reopen it for reading, and copy it to stdout",
			ArgsUsage: "<path>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				h, err := r.Resolve(ctx.Args().First())
				if err != nil {
					return reportErr(err)
				}
				defer h.Free()

				f, err := h.Reopen(unix.O_RDONLY)
				if err != nil {
					return reportErr(err)
				}
				defer f.Close()

				_, err = io.Copy(os.Stdout, f)
				return err
			},
		},
		{
			Name:      "mkdir",
			Usage:     "create a directory",
			ArgsUsage: "<path> <mode-octal>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				mode, err := parseMode(ctx.Args().Get(1))
				if err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				if err := r.Mkdir(ctx.Args().First(), mode); err != nil {
					return reportErr(err)
				}
				return nil
			},
		},
		{
			Name:      "mknod",
			Usage:     "create a special file",
			ArgsUsage: "<path> <mode-octal> <dev>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				mode, err := parseMode(ctx.Args().Get(1))
				if err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				dev, err := strconv.Atoi(ctx.Args().Get(2))
				if err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				if err := r.Mknod(ctx.Args().First(), mode, dev); err != nil {
					return reportErr(err)
				}
				return nil
			},
		},
		{
			Name:      "symlink",
			Usage:     "create a symlink",
			ArgsUsage: "<path> <target>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				if err := r.Symlink(ctx.Args().First(), ctx.Args().Get(1)); err != nil {
					return reportErr(err)
				}
				return nil
			},
		},
		{
			Name:      "hardlink",
			Usage:     "create a hard link",
			ArgsUsage: "<path> <target>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				if err := r.Hardlink(ctx.Args().First(), ctx.Args().Get(1)); err != nil {
					return reportErr(err)
				}
				return nil
			},
		},
		{
			Name:      "rename",
			Usage:     "rename a path",
			ArgsUsage: "<src> <dst>",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "no-replace"},
				cli.BoolFlag{Name: "exchange"},
			},
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				var flags uint
				if ctx.Bool("no-replace") {
					flags |= unix.RENAME_NOREPLACE
				}
				if ctx.Bool("exchange") {
					flags |= unix.RENAME_EXCHANGE
				}
				if err := r.Rename(ctx.Args().First(), ctx.Args().Get(1), flags); err != nil {
					return reportErr(err)
				}
				return nil
			},
		},
		{
			Name:      "creat",
			Usage:     "create a new regular file",
			ArgsUsage: "<path> <mode-octal>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				mode, err := parseMode(ctx.Args().Get(1))
				if err != nil {
					return cli.NewExitError(err.Error(), 1)
				}
				h, err := r.Creat(ctx.Args().First(), mode)
				if err != nil {
					return reportErr(err)
				}
				defer h.Free()
				return nil
			},
		},
		{
			Name:      "audit",
			Usage:     "print the audit history recorded for a path",
			ArgsUsage: "<path>",
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				entries, ok := r.StatsFor(ctx.Args().First())
				if !ok {
					fmt.Println("no audit history for this path")
					return nil
				}
				for _, e := range entries {
					fmt.Printf("%s\t%s\t%s\n", e.Recorded.Format(time.RFC3339), e.Kind, e.Detail)
				}
				return nil
			},
		},
		{
			Name:  "configure",
			Usage: "change this root's resolver preference and print the current one back",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "set-resolver", Usage: "kernel or emulated"},
			},
			Action: func(ctx *cli.Context) error {
				r, err := openRoot(ctx)
				if err != nil {
					return reportErr(err)
				}
				defer r.Free()

				current := ctx.GlobalString("resolver")
				if set := ctx.String("set-resolver"); set != "" {
					kind := domain.ResolverKernel
					if set == "emulated" {
						kind = domain.ResolverEmulated
					}
					r.Configure(config.RootRaw{Resolver: kind, AllowFallback: ctx.GlobalBoolT("allow-fallback")})
					current = kind.String()
				}
				fmt.Println(current)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func parseMode(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return uint32(v), nil
}
