package processor

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/sirupsen/logrus"

	"project-feed/internal/config"
	"project-feed/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleEvent() models.ChangeEvent {
	return models.ChangeEvent{
		Seq: 7,
		Record: models.Record{
			ID:        42,
			Title:     "apollo",
			Status:    "active",
			CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transform.js")
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDisabledPassesThrough(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: false, DropStatuses: []string{"active"}}, quietLogger(), nil)
	assert.Equal(t, err, nil)

	out, err := tr.Transform(sampleEvent())
	assert.Equal(t, err, nil)
	assert.Equal(t, out, sampleEvent())
}

func TestDropStatuses(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, DropStatuses: []string{"ARCHIVED"}}, quietLogger(), nil)
	assert.Equal(t, err, nil)

	_, err = tr.Transform(sampleEvent())
	assert.Equal(t, err, nil)

	ev := sampleEvent()
	ev.Record.Status = "archived"
	_, err = tr.Transform(ev)
	assert.Equal(t, errors.Is(err, ErrEventRejected), true)
}

func TestAnonymousScriptRewritesRecord(t *testing.T) {
	path := writeScript(t, `(function(record) {
		console.log("saw", record.proid);
		record.project_title = record.project_title.toUpperCase();
		return record;
	})`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: path}, quietLogger(), nil)
	assert.Equal(t, err, nil)

	out, err := tr.Transform(sampleEvent())
	assert.Equal(t, err, nil)
	assert.Equal(t, out.Record.Title, "APOLLO")
	assert.Equal(t, out.Seq, uint64(7))
	assert.Equal(t, out.Record.CreatedAt.Equal(sampleEvent().Record.CreatedAt), true)
}

func TestNamedScriptRejects(t *testing.T) {
	path := writeScript(t, `function transform(record) {
		if (record.status === "active") { return null; }
		return record;
	}`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: path}, quietLogger(), nil)
	assert.Equal(t, err, nil)

	_, err = tr.Transform(sampleEvent())
	assert.Equal(t, errors.Is(err, ErrEventRejected), true)
}

func TestScriptMayNotChangeID(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{}, quietLogger(), nil)
	assert.Equal(t, err, nil)
	tr.config = &config.ProcessorConfig{Enabled: true}
	assert.Equal(t, tr.LoadScript("inline", `(function(r) { r.proid = 1; return r; })`), nil)

	_, err = tr.Transform(sampleEvent())
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrEventRejected), false)
}

func TestInvalidScripts(t *testing.T) {
	tr, _ := NewTransformer(nil, quietLogger(), nil)
	assert.NotEqual(t, tr.LoadScript("syntax", `function (`), nil)
	assert.NotEqual(t, tr.LoadScript("nofn", `var x = 1;`), nil)

	_, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: "/does/not/exist.js"}, quietLogger(), nil)
	assert.NotEqual(t, err, nil)
}
