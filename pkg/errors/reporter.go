package errors

import (
	"os"
	"time"

	"github.com/certifi/gocertifi"
	"github.com/getsentry/sentry-go"
	"stellawallet.io/stella-wallet/pkg/log"
)

var (
	reporters []Reporter
)

func init() {
	reporters = make([]Reporter, 0)
	if os.Getenv(debugMode) == "" {
		log.Info("Env DEBUG not set, report errors enabled.")
	} else {
		log.Info("Env DEBUG set, report errors disabled.")
	}
}

func report(err error) {
	if reporters == nil || err == nil {
		return
	}
	if os.Getenv(debugMode) != "" {
		return
	}
	for _, r := range reporters {
		r.Report(err)
	}
}

// Reporter forwards errors to an external sink.
type Reporter interface {
	Report(error)
}

// Reports are suppressed entirely while this variable is set.
const debugMode = "DEBUG"

type sentryReporter struct {
	limiter *rateLimiter
}

func (s *sentryReporter) Report(err error) {
	if err == nil {
		return
	}
	if stacks := FullStack(err); len(stacks) > 2 {
		if limited, _ := s.limiter.StackBasedRateLimited(stacks[2]); limited {
			return
		}
	}
	sentry.CaptureException(err)
}

// NewSentryReporter initializes the sentry error reporter. Errors built with
// the report variants of this package are captured into the configured
// project. Reports from one call-site are rate limited.
func NewSentryReporter(sentryDSN string, reportDelay time.Duration) error {
	if sentryDSN == "" {
		log.Warn("empty DSN found, skipping sentry reporter initialization.")
		return nil
	}
	sentryClientOptions := sentry.ClientOptions{
		Dsn: sentryDSN,
	}

	rootCAs, err := gocertifi.CACerts()
	if err != nil {
		return Wrap(err, "init sentry CA")
	}

	sentryClientOptions.CaCerts = rootCAs
	err = sentry.Init(sentryClientOptions)
	if err != nil {
		return Wrap(err, "init sentry")
	}
	log.Info("sentry error reporter initialized.")
	reporters = append(reporters, &sentryReporter{limiter: newRateLimiter(reportDelay)})
	return nil
}
