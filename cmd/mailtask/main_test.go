package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtask/internal/engine"
	"github.com/nhle/mailtask/internal/mailops"
	"github.com/nhle/mailtask/internal/model"
	"github.com/nhle/mailtask/internal/pool"
	appsync "github.com/nhle/mailtask/internal/sync"
	"github.com/nhle/mailtask/internal/task"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--config", "/tmp/x.yaml", "--headless", "--once", "--non-interactive"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.yaml", o.configPath)
	assert.True(t, o.headless)
	assert.True(t, o.once)
	assert.True(t, o.nonInteractive)

	_, err = parseFlags([]string{"--once"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--bogus"})
	assert.Error(t, err)
}

func TestSetupLoggingLevel(t *testing.T) {
	var buf bytes.Buffer
	log, ins, shutdown, err := setupLogging(model.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer shutdown()
	assert.Nil(t, ins)

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, _, _, err = setupLogging(model.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

// instantSubmitter delivers every fetch right away with nothing fetched.
type instantSubmitter struct{}

func (instantSubmitter) Go(_ pool.Policy, op task.Operation, _ ...engine.Option) (*task.Task, error) {
	t := task.New(op, nil)
	op.Deliver(t)
	return t, nil
}

func TestRunHeadlessOnce(t *testing.T) {
	p := appsync.New(instantSubmitter{}, nil)
	for _, id := range []string{"work", "home"} {
		p.RegisterAccount(&mailops.Account{Config: model.AccountConfig{ID: id, PollIntervalSec: 3600}})
	}
	defer p.Stop()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	done := make(chan struct{})
	go func() {
		runHeadless(context.Background(), p, 2, true, log)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runHeadless did not return after one round")
	}
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("sync finished")))
}
