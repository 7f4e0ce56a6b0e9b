package httpserver

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
)

type Options struct {
	Logger log.Logger
	// Addr defaults to :8080.
	Addr         string
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// Edge serves every viewer path; see edge.Network.Handler.
	Edge http.Handler
	// Compress gzips text responses, mirroring the distribution setting.
	Compress bool
	// AssumeHTTPS treats plain-http viewers as https ones.
	AssumeHTTPS  bool
	ClientIPOpts httpmw.ClientIPOptions
}
