package main

import (
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/pkg/build"
	"github.com/httprunner/DeviceLab/pkg/result"
)

// consoleListener mirrors the result stream to structured logs so a terminal
// user can watch progress without querying the journal.
type consoleListener struct {
	result.NopListener
}

func newConsoleListener() *consoleListener { return &consoleListener{} }

func (l *consoleListener) InvocationStarted(b *build.Info) {
	log.Info().Str("build", b.String()).Msg("invocation started")
}

func (l *consoleListener) InvocationFailed(err error) {
	log.Error().Err(err).Msg("invocation failed")
}

func (l *consoleListener) InvocationEnded(elapsed time.Duration) {
	log.Info().Dur("elapsed", elapsed).Msg("invocation ended")
}

func (l *consoleListener) TestLog(name, kind string, data io.Reader) {
	log.Info().Str("log", name).Str("kind", kind).Msg("log published")
}

func (l *consoleListener) TestRunStarted(name string, testCount int) {
	log.Info().Str("run", name).Int("tests", testCount).Msg("test run started")
}

func (l *consoleListener) TestRunFailed(message string) {
	log.Error().Str("reason", message).Msg("test run failed")
}

func (l *consoleListener) TestRunEnded(elapsed time.Duration, metrics map[string]string) {
	log.Info().Dur("elapsed", elapsed).Any("metrics", metrics).Msg("test run ended")
}

func (l *consoleListener) TestStarted(id result.TestID) {
	log.Debug().Str("test", id.String()).Msg("test started")
}

func (l *consoleListener) TestFailed(kind result.Status, id result.TestID, trace string) {
	log.Error().Str("test", id.String()).Str("status", string(kind)).Str("trace", trace).Msg("test failed")
}

func (l *consoleListener) TestEnded(id result.TestID, metrics map[string]string) {
	log.Debug().Str("test", id.String()).Msg("test ended")
}
