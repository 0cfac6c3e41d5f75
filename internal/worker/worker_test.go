package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendxa/processing/internal/client"
	"github.com/opendxa/processing/internal/model"
)

func analysisJob(t *testing.T, id string, p model.AnalysisPayload) *model.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &model.Job{JobID: id, Kind: model.KindAnalysis, Payload: raw, Status: model.JobStatusRunning}
}

func collect(reg *Registry, job *model.Job) []model.WorkerMessage {
	var msgs []model.WorkerMessage
	Run(context.Background(), reg, job, func(m model.WorkerMessage) { msgs = append(msgs, m) })
	return msgs
}

func TestRun_CompletedWithProgress(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindAnalysis, HandlerFunc(func(ctx context.Context, job *model.Job, payload model.Payload, report ProgressFunc) (any, error) {
		p := payload.(*model.AnalysisPayload)
		report(0.25)
		report(0.25)
		report(1.5)
		return map[string]string{"modifier": p.Modifier}, nil
	}))

	msgs := collect(reg, analysisJob(t, "a", model.AnalysisPayload{InputPath: "/in", Modifier: "dxa"}))
	require.Len(t, msgs, 3)
	assert.Equal(t, model.MessageTypeProgress, msgs[0].Type)
	assert.Equal(t, 0.25, msgs[0].Progress)
	assert.Equal(t, 1.0, msgs[1].Progress)

	last := msgs[2]
	assert.True(t, last.Terminal())
	assert.Equal(t, model.MessageTypeCompleted, last.Type)
	assert.JSONEq(t, `{"modifier":"dxa"}`, string(last.Result))
	for _, m := range msgs {
		assert.NoError(t, m.Validate())
	}
}

func TestRun_HandlerErrorFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindAnalysis, HandlerFunc(func(context.Context, *model.Job, model.Payload, ProgressFunc) (any, error) {
		return nil, errors.New("no atoms in frame")
	}))

	msgs := collect(reg, analysisJob(t, "a", model.AnalysisPayload{InputPath: "/in", Modifier: "dxa"}))
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageTypeFailed, msgs[0].Type)
	assert.Equal(t, "no atoms in frame", msgs[0].Error)
}

func TestRun_EmptyHandlerErrorStillFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindAnalysis, HandlerFunc(func(context.Context, *model.Job, model.Payload, ProgressFunc) (any, error) {
		return nil, errors.New("")
	}))

	msgs := collect(reg, analysisJob(t, "a", model.AnalysisPayload{InputPath: "/in", Modifier: "dxa"}))
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageTypeFailed, msgs[0].Type)
	assert.NotEmpty(t, msgs[0].Error)
	assert.NoError(t, msgs[0].Validate())
}

func TestRun_InvalidPayloadFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindAnalysis, HandlerFunc(func(context.Context, *model.Job, model.Payload, ProgressFunc) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}))

	msgs := collect(reg, analysisJob(t, "a", model.AnalysisPayload{Modifier: "dxa"}))
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageTypeFailed, msgs[0].Type)
}

func TestRun_MissingHandlerFails(t *testing.T) {
	msgs := collect(NewRegistry(), analysisJob(t, "a", model.AnalysisPayload{InputPath: "/in", Modifier: "dxa"}))
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Error, "no handler")
}

func TestRun_PanicPropagates(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindAnalysis, HandlerFunc(func(context.Context, *model.Job, model.Payload, ProgressFunc) (any, error) {
		panic("boom")
	}))
	assert.Panics(t, func() {
		collect(reg, analysisJob(t, "a", model.AnalysisPayload{InputPath: "/in", Modifier: "dxa"}))
	})
}

func TestRegistry_Validate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindAnalysis, HandlerFunc(nil))
	assert.NoError(t, reg.Validate(model.KindAnalysis))
	assert.ErrorIs(t, reg.Validate(model.Kinds...), model.ErrUnknownKind)
}

func TestServe_RoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.KindAnalysis, HandlerFunc(func(context.Context, *model.Job, model.Payload, ProgressFunc) (any, error) {
		return nil, nil
	}))

	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	require.NoError(t, enc.Encode(model.NewJobMessage(analysisJob(t, "a", model.AnalysisPayload{InputPath: "/in", Modifier: "dxa"}))))
	require.NoError(t, enc.Encode(model.NewJobMessage(analysisJob(t, "b", model.AnalysisPayload{InputPath: "/in", Modifier: "dxa"}))))

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), &in, &out, reg))

	var got []model.WorkerMessage
	dec := json.NewDecoder(&out)
	for dec.More() {
		var m model.WorkerMessage
		require.NoError(t, dec.Decode(&m))
		got = append(got, m)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].JobID)
	assert.Equal(t, "b", got[1].JobID)
	assert.Equal(t, model.MessageTypeCompleted, got[1].Type)
}

func TestServe_RejectsOtherProtocolVersion(t *testing.T) {
	msg := model.NewJobMessage(&model.Job{JobID: "a", Kind: model.KindAnalysis})
	msg.Version = model.ProtocolVersion + 1
	line, err := json.Marshal(msg)
	require.NoError(t, err)

	err = Serve(context.Background(), bytes.NewReader(append(line, '\n')), io.Discard, NewRegistry())
	assert.ErrorIs(t, err, model.ErrProtocolVersion)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCommandHandler_ProgressAndResult(t *testing.T) {
	script := writeScript(t, `
echo "loading $1"
echo "PROGRESS 0.5"
echo "PROGRESS 1"
echo 'RESULT {"dislocations":12}'
`)
	out := filepath.Join(t.TempDir(), "out")
	h := NewCommandHandler(script, -1)

	var progress []float64
	res, err := h.Handle(context.Background(), nil,
		&model.AnalysisPayload{InputPath: "/in.dump", OutputDir: out, Modifier: "dxa"},
		func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1}, progress)
	assert.JSONEq(t, `{"dislocations":12}`, string(res.(json.RawMessage)))
	assert.DirExists(t, out)
}

func TestCommandHandler_DefaultResult(t *testing.T) {
	script := writeScript(t, `exit 0`)
	out := filepath.Join(t.TempDir(), "frames")
	h := NewCommandHandler(script, -1)

	res, err := h.Handle(context.Background(), nil,
		&model.TrajectoryProcessingPayload{InputPath: "/in", OutputDir: out, Timesteps: []int{0, 100}},
		func(float64) {})
	require.NoError(t, err)
	assert.Equal(t, CommandResult{OutputDir: out}, res)
}

func TestCommandHandler_FailureIncludesStderr(t *testing.T) {
	script := writeScript(t, `echo "bad frame header" >&2; exit 3`)
	h := NewCommandHandler(script, -1)

	_, err := h.Handle(context.Background(), nil,
		&model.RasterizationPayload{InputPath: "/in", OutputDir: t.TempDir()},
		func(float64) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad frame header")
}

func TestCommandHandler_Timeout(t *testing.T) {
	script := writeScript(t, `exec sleep 5`)
	h := NewCommandHandler(script, -1)

	start := time.Now()
	_, err := h.Handle(context.Background(), nil,
		&model.AnalysisPayload{InputPath: "/in", OutputDir: t.TempDir(), Modifier: "dxa", TimeoutSeconds: 1},
		func(float64) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCommandArgs(t *testing.T) {
	args, dir, timeout, err := commandArgs(&model.AnalysisPayload{
		InputPath: "/in", OutputDir: "/out", Modifier: "cna", Timestep: 7,
		Params: map[string]string{"rmsd": "0.1", "cutoff": "3.5"}, TimeoutSeconds: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/in", "/out", "--modifier", "cna", "--timestep", "7", "--cutoff", "3.5", "--rmsd", "0.1"}, args)
	assert.Equal(t, "/out", dir)
	assert.Equal(t, -1, timeout)

	_, _, _, err = commandArgs(&model.CloudUploadPayload{})
	assert.Error(t, err)
}

type fakeFetcher struct {
	data string
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ client.SSHTarget, _ string, w io.Writer, onSize func(int64)) (int64, error) {
	onSize(int64(len(f.data)))
	n, _ := io.Copy(w, strings.NewReader(f.data))
	return n, f.err
}

func TestSSHImportHandler_OverwritesLocalFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "imports", "run.dump")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("stale partial data from an earlier attempt"), 0o644))

	h := NewSSHImportHandler(&fakeFetcher{data: "ITEM: TIMESTEP\n0\n"})
	var last float64
	res, err := h.Handle(context.Background(), nil, &model.SSHImportPayload{
		Host: "hpc", Username: "u", Password: "p", RemotePath: "/scratch/run.dump", LocalPath: dest,
	}, func(p float64) { last = p })
	require.NoError(t, err)
	assert.Equal(t, ImportResult{LocalPath: dest, Bytes: 17}, res)
	assert.Equal(t, 1.0, last)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "ITEM: TIMESTEP\n0\n", string(data))
}

func TestSSHImportHandler_FailureKeepsOriginal(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "run.dump")
	require.NoError(t, os.WriteFile(dest, []byte("original"), 0o644))

	h := NewSSHImportHandler(&fakeFetcher{data: "par", err: errors.New("connection reset")})
	_, err := h.Handle(context.Background(), nil, &model.SSHImportPayload{
		Host: "hpc", Username: "u", Password: "p", RemotePath: "/r", LocalPath: dest,
	}, func(float64) {})
	require.Error(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

type fakeStorage struct {
	key, contentType string
	body             []byte
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	s.key, s.contentType = key, contentType
	s.body, _ = io.ReadAll(body)
	return s.GetPublicURL(key), nil
}

func (s *fakeStorage) GetPublicURL(key string) string { return "https://cdn.test/" + key }

func TestCloudUploadHandler_DetectsContentType(t *testing.T) {
	src := filepath.Join(t.TempDir(), "scene.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"atoms":[1,2,3]}`), 0o644))

	storage := &fakeStorage{}
	h := NewCloudUploadHandler(storage)
	res, err := h.Handle(context.Background(), nil, &model.CloudUploadPayload{LocalPath: src, Key: "t1/scene.json"}, func(float64) {})
	require.NoError(t, err)

	out := res.(UploadResult)
	assert.Equal(t, "https://cdn.test/t1/scene.json", out.URL)
	assert.Equal(t, "application/json", out.ContentType)
	assert.Equal(t, `{"atoms":[1,2,3]}`, string(storage.body))
}

func TestCloudUploadHandler_NotConfigured(t *testing.T) {
	h := NewCloudUploadHandler(nil)
	_, err := h.Handle(context.Background(), nil, &model.CloudUploadPayload{LocalPath: "/x", Key: "k"}, func(float64) {})
	assert.Error(t, err)
}
