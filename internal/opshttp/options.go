package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/health"
)

type Options struct {
	// Addr defaults to 127.0.0.1:9000.
	Addr         string
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func()
}
