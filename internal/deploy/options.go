package deploy

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/release"
)

const (
	DefaultConcurrency      = 8
	DefaultMaxTries         = 5
	DefaultMaxElapsed       = 2 * time.Minute
	DefaultInitialBackoff   = 200 * time.Millisecond
	DefaultInvalidationWait = 15 * time.Minute
	DefaultRootObject       = delivery.DefaultRootObject
)

type Op string

const (
	OpUpload     Op = "upload"
	OpDelete     Op = "delete"
	OpInvalidate Op = "invalidate"
)

// Progress reports one finished asset operation.
type Progress struct {
	Op    Op
	Path  string
	Bytes int64
	Err   error
	Done  int
	Total int
}

// Recorder receives deploy counters. metrics.DeployMetrics implements it.
type Recorder interface {
	Uploaded(bytes int64)
	Skipped(n int)
	Deleted(n int)
	Failed(op Op)
	Retried(op Op)
	Invalidated(status delivery.InvalidationStatus)
	Finished(d time.Duration, err error)
}

type Options struct {
	// Concurrency bounds in-flight uploads and deletes.
	Concurrency int
	// MaxTries and MaxElapsed bound the retries of one asset operation.
	MaxTries       uint
	MaxElapsed     time.Duration
	InitialBackoff time.Duration
	// UploadsPerSecond caps upload starts; zero is unlimited.
	UploadsPerSecond float64

	Invalidation delivery.InvalidationPolicy
	// InvalidationWait bounds the wait for the edge.
	InvalidationWait time.Duration
	// RootObject is the distribution default root object.
	RootObject string

	// Publisher, when set, records the manifest digest after a clean deploy.
	Publisher  release.Publisher
	OnProgress func(Progress)
	Recorder   Recorder
	Logger     log.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxTries == 0 {
		o.MaxTries = DefaultMaxTries
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = DefaultMaxElapsed
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.InvalidationWait <= 0 {
		o.InvalidationWait = DefaultInvalidationWait
	}
	if o.RootObject == "" {
		o.RootObject = DefaultRootObject
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	return o
}

type nopRecorder struct{}

func (nopRecorder) Uploaded(int64)                          {}
func (nopRecorder) Skipped(int)                             {}
func (nopRecorder) Deleted(int)                             {}
func (nopRecorder) Failed(Op)                               {}
func (nopRecorder) Retried(Op)                              {}
func (nopRecorder) Invalidated(delivery.InvalidationStatus) {}
func (nopRecorder) Finished(time.Duration, error)           {}
