// Command kthreadsim runs a TOML workload on a simulated single CPU kernel,
// printing the resulting trace, as TOML.
//
// Usage:
//
//	kthreadsim [-level info] [-timeout 10s] workload.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-kthread"
	"github.com/joeycumines/go-kthread/internal/workload"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(`kthreadsim`, flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		level   = flags.String(`level`, `info`, `log level (disabled, emerg ... trace)`)
		timeout = flags.Duration(`timeout`, 0, `halt the machine after this duration, if positive`)
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, `usage: kthreadsim [flags] workload.toml`)
		return 2
	}

	lvl, err := parseLevel(*level)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	w, err := workload.Load(flags.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(lvl),
	).Logger()

	config := w.Config()
	config.Logger = logger

	k, err := kthread.New(config)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer k.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	report, err := workload.Run(ctx, k, w)
	k.PrintStats()

	if encErr := toml.NewEncoder(stdout).Encode(report); encErr != nil {
		_, _ = fmt.Fprintln(stderr, encErr)
		return 1
	}

	if err != nil {
		logger.Err().
			Err(err).
			Dur(`elapsed`, time.Since(start)).
			Log(`kernel halted`)
		var pe *kthread.PanicError
		if errors.As(err, &pe) {
			_, _ = stderr.Write(pe.Stack)
		}
		return 1
	}

	return 0
}

func parseLevel(s string) (logiface.Level, error) {
	for l := logiface.LevelDisabled; l <= logiface.LevelTrace; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf(`kthreadsim: unknown log level %q`, s)
}
