// Command host-bootstrap runs on a provisioned host. By default it executes the
// bootstrap script once and posts one signal with the outcome to the
// orchestrator. With --serve it runs as the host agent instead: it accepts
// install requests on /v1/install, unpacks each revision under --dir and
// signals the requesting deployment after running the bootstrap script.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/surajsub/temporal-release-pipeline/bootstrap"
	"github.com/surajsub/temporal-release-pipeline/logger"
)

func main() {
	orchestrator := pflag.String("orchestrator", os.Getenv("ORCHESTRATOR_URL"), "orchestrator base URL")
	serve := pflag.String("serve", "", "listen address for agent mode, e.g. :9000")
	stack := pflag.String("stack", "", "deployment attempt id to signal")
	resource := pflag.String("resource", "", "this host's id")
	region := pflag.String("region", "", "this host's region")
	scriptPath := pflag.String("script", "bootstrap.yaml", "bootstrap script (YAML with a commands list)")
	dir := pflag.String("dir", "", "working directory for the commands; install root in agent mode")
	timeout := pflag.Duration("timeout", 30*time.Minute, "upper bound for the whole script")
	pflag.Parse()

	log := logger.NewActivityLogger("info")

	if *serve != "" {
		if *orchestrator == "" || *resource == "" {
			fmt.Fprintln(os.Stderr, "--orchestrator and --resource are required")
			os.Exit(2)
		}
		if err := runAgent(log, *serve, *orchestrator, *resource, *region, *scriptPath, *dir, *timeout); err != nil {
			log.Errorf("Agent stopped: %v", err)
			os.Exit(1)
		}
		return
	}

	if *orchestrator == "" || *stack == "" || *resource == "" {
		fmt.Fprintln(os.Stderr, "--orchestrator, --stack and --resource are required")
		os.Exit(2)
	}

	agent := &bootstrap.Agent{
		Runner:   &bootstrap.Runner{Dir: *dir, Logger: log},
		Signaler: &bootstrap.HTTPSignaler{Orchestrator: *orchestrator},
		Identity: bootstrap.Identity{StackOrGroupID: *stack, ResourceID: *resource, Region: *region},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	script, err := bootstrap.LoadScript(*scriptPath)
	if err != nil {
		// Still report, so the orchestrator does not wait for the deadline.
		log.Errorf("Failed to load bootstrap script: %v", err)
		script = bootstrap.Script{Commands: []string{"exit 1"}}
	}

	report, err := agent.Run(ctx, script)
	if err != nil {
		log.Errorf("Bootstrap finished with error: %v", err)
	}
	log.Infof("Bootstrap finished with exit code %d", report.ExitCode)
	os.Exit(report.ExitCode)
}

func runAgent(log *logrus.Logger, addr, orchestrator, resource, region, scriptPath, dir string, timeout time.Duration) error {
	if dir == "" {
		dir = "releases"
	}
	script, err := bootstrap.LoadScript(scriptPath)
	if err != nil {
		// Requests may carry their own script; without one the run fails and is reported.
		log.Warnf("No local bootstrap script: %v", err)
		script = bootstrap.Script{Commands: []string{"exit 1"}}
	}

	srv := &bootstrap.InstallServer{
		Dir:        dir,
		ResourceID: resource,
		Region:     region,
		Script:     script,
		Signaler:   &bootstrap.HTTPSignaler{Orchestrator: orchestrator},
		Logger:     log,
		Timeout:    timeout,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	srv.Register(e)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Infof("Host agent %s listening on %s", resource, addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Agent shutdown: %v", err)
	}
	// Runs in flight still owe the orchestrator a signal.
	srv.Wait()
	return nil
}
