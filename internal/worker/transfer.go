package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/opendxa/processing/internal/client"
	"github.com/opendxa/processing/internal/model"
)

// Fetcher streams a remote file over SSH
type Fetcher interface {
	Fetch(ctx context.Context, t client.SSHTarget, remotePath string, w io.Writer, onSize func(int64)) (int64, error)
}

// SSHImportHandler copies a remote trajectory file to local storage
type SSHImportHandler struct {
	fetcher Fetcher
}

func NewSSHImportHandler(f Fetcher) *SSHImportHandler {
	return &SSHImportHandler{fetcher: f}
}

// ImportResult is stored on completed ssh-import jobs
type ImportResult struct {
	LocalPath string `json:"localPath"`
	Bytes     int64  `json:"bytes"`
}

func (h *SSHImportHandler) Handle(ctx context.Context, job *model.Job, payload model.Payload, report ProgressFunc) (any, error) {
	p, ok := payload.(*model.SSHImportPayload)
	if !ok {
		return nil, fmt.Errorf("ssh import handler cannot run %s jobs", payload.Kind())
	}
	if err := os.MkdirAll(filepath.Dir(p.LocalPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create import dir: %w", err)
	}

	// Stream into a temp file and rename so a retried import replaces the
	// file instead of leaving a partial one behind.
	tmp, err := os.CreateTemp(filepath.Dir(p.LocalPath), "."+filepath.Base(p.LocalPath)+".*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	pw := &progressWriter{w: tmp, report: report, total: -1}
	target := client.SSHTarget{
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
		HostKey:    p.HostKey,
	}
	n, err := h.fetcher.Fetch(ctx, target, p.RemotePath, pw, func(size int64) { pw.total = size })
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("ssh import from %s failed: %w", p.Host, err)
	}
	if err := os.Rename(tmp.Name(), p.LocalPath); err != nil {
		return nil, fmt.Errorf("failed to move import into place: %w", err)
	}
	report(1)
	return ImportResult{LocalPath: p.LocalPath, Bytes: n}, nil
}

// CloudUploadHandler pushes a local artifact to object storage
type CloudUploadHandler struct {
	storage client.StorageClient
}

func NewCloudUploadHandler(storage client.StorageClient) *CloudUploadHandler {
	return &CloudUploadHandler{storage: storage}
}

// UploadResult is stored on completed cloud-upload jobs
type UploadResult struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Bytes       int64  `json:"bytes"`
}

func (h *CloudUploadHandler) Handle(ctx context.Context, job *model.Job, payload model.Payload, report ProgressFunc) (any, error) {
	p, ok := payload.(*model.CloudUploadPayload)
	if !ok {
		return nil, fmt.Errorf("cloud upload handler cannot run %s jobs", payload.Kind())
	}
	if h.storage == nil {
		return nil, fmt.Errorf("object storage is not configured")
	}

	contentType := p.ContentType
	if contentType == "" {
		mtype, err := mimetype.DetectFile(p.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to detect content type: %w", err)
		}
		contentType = mtype.String()
	}

	f, err := os.Open(p.LocalPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// The SDK needs a seekable body to sign the payload, so progress is
	// reported around the upload rather than per byte.
	report(0)
	url, err := h.storage.Upload(ctx, p.Key, f, info.Size(), contentType)
	if err != nil {
		return nil, err
	}
	report(1)
	return UploadResult{Key: p.Key, URL: url, ContentType: contentType, Bytes: info.Size()}, nil
}

// progressWriter reports written/total in whole percent steps
type progressWriter struct {
	w       io.Writer
	report  ProgressFunc
	total   int64
	written int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 {
		p.report(percent(p.written, p.total))
	}
	return n, err
}

func percent(done, total int64) float64 {
	return float64(done*100/total) / 100
}
