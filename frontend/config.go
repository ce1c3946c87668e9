package frontend

import (
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Config encapsulates the settings for configuring a frontend instance.
type Config struct {
	// An API for submitting new jobs.
	Submitter JobSubmitter

	// An API for querying job status and fetching results.
	Tracker JobTracker

	// The address to listen for incoming requests.
	ListenAddr string

	// The maximum accepted size of an upload request in bytes. Defaults to
	// 10MiB.
	MaxUploadBytes int64

	// Dependencies checked by the health endpoint, keyed by the name they
	// are reported under.
	Dependencies map[string]Pinger

	// The time allowed for each dependency check. Defaults to 2 seconds.
	HealthCheckTimeout time.Duration

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

func (cfg *Config) validate() error {
	var err error
	if cfg.ListenAddr == "" {
		err = multierror.Append(err, xerrors.Errorf("listen address has not been specified"))
	}
	if cfg.Submitter == nil {
		err = multierror.Append(err, xerrors.Errorf("job submitter has not been provided"))
	}
	if cfg.Tracker == nil {
		err = multierror.Append(err, xerrors.Errorf("job tracker has not been provided"))
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	} else if cfg.MaxUploadBytes < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for max upload size"))
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	} else if cfg.HealthCheckTimeout < 0 {
		err = multierror.Append(err, xerrors.Errorf("invalid value for health check timeout"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}
