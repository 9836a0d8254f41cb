/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"
	"github.com/urfave/cli/v2"

	"github.com/QubesOS/qubes-core-admin-sub004/internal/loop"
	"github.com/QubesOS/qubes-core-admin-sub004/internal/looppool"
	"github.com/QubesOS/qubes-core-admin-sub004/internal/preflight"
	"github.com/QubesOS/qubes-core-admin-sub004/internal/sysfs"
)

// Version information - set via ldflags at build time
// Example: go build -ldflags "-X main.version=1.0.0 -X main.gitCommit=$(git rev-parse HEAD)"
var (
	version   = "dev"
	gitCommit = "unknown"
)

const defaultPrefix = "/var/lib/qubes"

func main() {
	// Run preflight checks early to fail fast
	if err := preflight.Check(); err != nil {
		fmt.Fprintf(os.Stderr, "preflight check failed: %v\n", err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:    "looppool",
		Usage:   "Discover and reuse loop devices bound to backing files under a prefix directory",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "prefix",
				Aliases: []string{"p"},
				Usage:   "Directory tree of backing files to manage",
				Value:   defaultPrefix,
				EnvVars: []string{"LOOPPOOL_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "sysfs-dir",
				Usage:   "Virtual block device directory to scan",
				Value:   sysfs.DefaultDir,
				EnvVars: []string{"LOOPPOOL_SYSFS_DIR"},
			},
			&cli.StringFlag{
				Name:    "dev-dir",
				Usage:   "Directory containing loop device nodes",
				Value:   looppool.DefaultDevDir,
				EnvVars: []string{"LOOPPOOL_DEV_DIR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"LOOPPOOL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			listCommand(),
			lookupCommand(),
			releaseCommand(),
			statusCommand(),
			attachCommand(),
			detachCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// settings are the resolved scan parameters: config file values serve as
// defaults, explicit flags win.
type settings struct {
	prefix   string
	sysfsDir string
	devDir   string
}

func resolve(cliCtx *cli.Context) (settings, error) {
	s := settings{
		prefix:   cliCtx.String("prefix"),
		sysfsDir: cliCtx.String("sysfs-dir"),
		devDir:   cliCtx.String("dev-dir"),
	}
	path := cliCtx.String("config")
	if path == "" {
		return s, nil
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return settings{}, err
	}
	if cfg.Prefix != "" && !cliCtx.IsSet("prefix") {
		s.prefix = cfg.Prefix
	}
	if cfg.SysfsDir != "" && !cliCtx.IsSet("sysfs-dir") {
		s.sysfsDir = cfg.SysfsDir
	}
	if cfg.DevDir != "" && !cliCtx.IsSet("dev-dir") {
		s.devDir = cfg.DevDir
	}
	return s, nil
}

func setupContext(cliCtx *cli.Context) (context.Context, error) {
	if err := log.SetLevel(cliCtx.String("log-level")); err != nil {
		return nil, err
	}
	return cliCtx.Context, nil
}

func discover(cliCtx *cli.Context) (context.Context, *looppool.Pool, error) {
	ctx, err := setupContext(cliCtx)
	if err != nil {
		return nil, nil, err
	}
	s, err := resolve(cliCtx)
	if err != nil {
		return nil, nil, err
	}
	pool, err := looppool.Discover(ctx, s.prefix,
		looppool.WithSysfsDir(s.sysfsDir),
		looppool.WithDevDir(s.devDir),
	)
	if err != nil {
		return nil, nil, err
	}
	return ctx, pool, nil
}

// parseKey turns a command line argument into a pool lookup key: either a
// "device:inode" integer pair or a backing file path.
func parseKey(arg string) any {
	dev, ino, ok := strings.Cut(arg, ":")
	if ok && !strings.Contains(arg, "/") {
		d, errD := strconv.ParseUint(dev, 10, 64)
		i, errI := strconv.ParseUint(ino, 10, 64)
		if errD == nil && errI == nil {
			return looppool.ID{Device: d, Inode: i}
		}
	}
	return arg
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Scan for loop devices bound under the prefix and list them",
		Action: func(cliCtx *cli.Context) error {
			_, pool, err := discover(cliCtx)
			if err != nil {
				return err
			}
			defer pool.Close()

			for _, e := range pool.Entries() {
				fmt.Printf("%s\t%s\t%q\n", e.DevicePath, e.ID(), e.BackingFile)
			}
			return nil
		},
	}
}

func lookupCommand() *cli.Command {
	return &cli.Command{
		Name:      "lookup",
		Usage:     "Find the loop device tracked for a backing file path or device:inode pair",
		ArgsUsage: "<path | device:inode>",
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 1 {
				return fmt.Errorf("expected exactly one key argument")
			}
			_, pool, err := discover(cliCtx)
			if err != nil {
				return err
			}
			defer pool.Close()

			e, err := pool.Lookup(parseKey(cliCtx.Args().First()))
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%q\n", e.DevicePath, e.ID(), e.BackingFile)
			return nil
		},
	}
}

func releaseCommand() *cli.Command {
	return &cli.Command{
		Name:      "release",
		Usage:     "Drop a loop device from tracking if the kernel reports no holders",
		ArgsUsage: "<path | device:inode>",
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 1 {
				return fmt.Errorf("expected exactly one key argument")
			}
			ctx, pool, err := discover(cliCtx)
			if err != nil {
				return err
			}
			defer pool.Close()

			key := parseKey(cliCtx.Args().First())
			if err := pool.Remove(key); err != nil {
				return err
			}
			if _, err := pool.Lookup(key); err == nil {
				log.G(ctx).Info("device still has holders, kept tracked")
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "List tracked loop devices and whether each backs an active mount",
		Action: func(cliCtx *cli.Context) error {
			_, pool, err := discover(cliCtx)
			if err != nil {
				return err
			}
			defer pool.Close()

			mounts, err := mountinfo.GetMounts(nil)
			if err != nil {
				return fmt.Errorf("failed to read mount table: %w", err)
			}
			mounted := make(map[string]bool, len(mounts))
			for _, m := range mounts {
				mounted[m.Source] = true
			}

			for _, e := range pool.Entries() {
				state := "idle"
				if mounted[e.DevicePath] {
					state = "mounted"
				}
				fmt.Printf("%s\t%s\t%s\t%q\n", e.DevicePath, state, e.ID(), e.BackingFile)
			}
			return nil
		},
	}
}

func attachCommand() *cli.Command {
	return &cli.Command{
		Name:      "attach",
		Usage:     "Bind a free loop device to a backing file",
		ArgsUsage: "<backing-file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "read-only",
				Usage: "Attach the device read-only",
			},
			&cli.BoolFlag{
				Name:  "autoclear",
				Usage: "Detach automatically when the last user closes the device",
			},
			&cli.BoolFlag{
				Name:  "direct-io",
				Usage: "Enable direct I/O on the backing file",
			},
			&cli.Uint64Flag{
				Name:  "offset",
				Usage: "Offset in the backing file where data starts",
			},
			&cli.Uint64Flag{
				Name:  "size-limit",
				Usage: "Limit the device size in bytes (0 = entire file)",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 1 {
				return fmt.Errorf("expected exactly one backing file argument")
			}
			if _, err := setupContext(cliCtx); err != nil {
				return err
			}
			dev, err := loop.Attach(cliCtx.Args().First(), loop.Config{
				ReadOnly:  cliCtx.Bool("read-only"),
				Autoclear: cliCtx.Bool("autoclear"),
				DirectIO:  cliCtx.Bool("direct-io"),
				Offset:    cliCtx.Uint64("offset"),
				SizeLimit: cliCtx.Uint64("size-limit"),
			})
			if err != nil {
				return err
			}
			fmt.Println(dev.Path)
			return nil
		},
	}
}

func detachCommand() *cli.Command {
	return &cli.Command{
		Name:      "detach",
		Usage:     "Unbind a loop device",
		ArgsUsage: "<device-path>",
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 1 {
				return fmt.Errorf("expected exactly one device path argument")
			}
			if _, err := setupContext(cliCtx); err != nil {
				return err
			}
			return loop.Detach(cliCtx.Args().First())
		},
	}
}
