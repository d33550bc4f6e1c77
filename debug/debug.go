package debug

import (
	"os"
	"strconv"

	"github.com/blendle/zapdriver"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Debug bool
)

func init() {
	debugEnv, exists := os.LookupEnv("DATAFEED_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			Debug = val
		}
	}
}

func Enable() {
	Debug = true
}

func Disable() {
	Debug = false
}

// New returns a structured logger for service. Debug selects the
// development config (DebugLevel and above), otherwise InfoLevel and above.
func New(service string) (*zap.Logger, error) {
	if Debug {
		return build(zapdriver.NewDevelopmentConfig(), service)
	}

	return build(zapdriver.NewProductionConfig(), service)
}

func build(cfg zap.Config, service string) (*zap.Logger, error) {
	cfg.OutputPaths = []string{"stdout"}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]interface{}{
		"service": service,
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	return log, nil
}
