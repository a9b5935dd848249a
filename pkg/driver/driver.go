package driver

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/config"
	"happystoic/overlaytest/pkg/metrics"
	"happystoic/overlaytest/pkg/report"
	"happystoic/overlaytest/pkg/scenario"
)

var log = logging.Logger("overlaytest")

// RunFunc runs one scenario to completion.
type RunFunc func(ctx context.Context, conf *config.Config, rep report.Reporter) (scenario.Result, error)

// Main runs the scenario with the process arguments and returns the process
// exit code.
func Main(name string, run RunFunc) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Execute(ctx, name, os.Args[1:], os.Stdout, run)
}

// setup parses args, applies the log level and loads the configuration.
func setup(name string, args []string) (*config.Config, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	configFile := flags.String("conf", "", "path to configuration file, defaults are used when empty")
	logLevel := flags.String("log-level", "info", "log level of all subsystems")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %s", *logLevel)
	}
	conf, err := config.Load(*configFile)
	if err != nil {
		return nil, errors.WithMessage(err, "error loading configuration")
	}
	return conf, nil
}

// Execute runs the scenario with args and writes SUCCESS or FAIL to out.
// Anything but an explicit success gives exit code 1.
func Execute(ctx context.Context, name string, args []string, out io.Writer, run RunFunc) int {
	result := execute(ctx, name, args, run)
	if result == scenario.Success {
		fmt.Fprintln(out, "SUCCESS")
	} else {
		fmt.Fprintln(out, "FAIL")
	}
	return scenario.ExitCode(result)
}

func execute(ctx context.Context, name string, args []string, run RunFunc) scenario.Result {
	conf, err := setup(name, args)
	if err != nil {
		log.Errorf("%s", err)
		return scenario.Failure
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if conf.Metrics.Listen != "" {
		metrics.Serve(ctx, conf.Metrics.Listen)
	}
	rep, redisClient, err := report.New(ctx, &conf.Redis, cancel)
	if err != nil {
		log.Errorf("error connecting to redis: %s", err)
		return scenario.Failure
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	log.Infof("running %s", name)
	result, err := run(ctx, conf, rep)
	if err != nil {
		log.Errorf("%s finished with error: %s", name, err)
	}
	return result
}
