// Command agi-authenticate is invoked by the dialplan as
// AGI(agi-authenticate,${PIN},${CALLERID(num)}).
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"oncall.org/internal/agi"
	"oncall.org/internal/obs"
)

func main() {
	var (
		url     = flag.String("url", envOr("ONCALL_AUTH_URL", "http://app:5000/authenticate"), "front door authenticate endpoint")
		timeout = flag.Duration("timeout", agi.DefaultTimeout, "front door request timeout")
		logPath = flag.String("log", envOr("ONCALL_AGI_LOG", "/var/log/asterisk/authenticate.log"), "log file")
	)
	flag.Parse()

	// stdout is the AGI channel; logs must go elsewhere.
	logger, err := obs.NewLoggerTo("info", "json", "authenticate_agi", *logPath)
	if err != nil {
		if logger, err = obs.NewLoggerTo("info", "json", "authenticate_agi", "stderr"); err != nil {
			logger = zap.NewNop()
		}
	}
	defer func() { _ = logger.Sync() }()

	session, err := agi.NewSession(os.Stdin, os.Stdout)
	if err != nil {
		logger.Error("agi handshake", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	outcome, err := agi.Run(ctx, session, agi.NewClient(*url, *timeout), flag.Args(), logger)
	if err != nil {
		logger.Error("agi run", zap.String("outcome", string(outcome)), zap.Error(err))
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
