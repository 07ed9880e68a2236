package logger

import (
	"bytes"
	"testing"

	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestEchoLogger(t *testing.T) {
	base := logrus.New()
	var buf bytes.Buffer
	base.SetOutput(&buf)
	base.SetLevel(logrus.WarnLevel)
	base.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

	l := Echo(base.WithField("component", "api"))
	require.Equal(t, log.WARN, l.Level())

	l.Info("dropped")
	l.Warnj(log.JSON{"path": "/metrics"})
	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "path=/metrics")
	require.Contains(t, buf.String(), "component=api")
}

func TestConfigValidate(t *testing.T) {
	require.Empty(t, DefaultConfig().Validate())
	require.Len(t, Config{Level: "loud"}.Validate(), 1)
}
