package download

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deploy-agent/internal/notify"
	"deploy-agent/internal/options"
	"deploy-agent/internal/security"
)

// ErrCancelled is returned by Download after Cancel
var ErrCancelled = errors.New("download cancelled")

// Settings are applied to a transfer right before it is submitted
type Settings struct {
	VerificationDir   string
	TLS               security.Provider
	AlreadyDownloaded bool
}

// Progress is a snapshot of a transfer's counters
type Progress struct {
	TotalBytes      int64
	DownloadedBytes int64
	Percent         int
	Status          notify.DownloadStatus
}

// Downloader creates transfers and probes for downloaded artifacts
type Downloader struct {
	reporter notify.Reporter
	logger   *slog.Logger
	onBytes  func(n int64)
}

// NewDownloader creates a downloader that reports through reporter
func NewDownloader(reporter notify.Reporter, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{reporter: reporter, logger: logger}
}

// OnBytes installs a callback told about every chunk written to disk
func (d *Downloader) OnBytes(f func(n int64)) {
	d.onBytes = f
}

// AlreadyDownloaded reports whether the artifact for opts is on disk
func (d *Downloader) AlreadyDownloaded(opts *options.Install) (bool, error) {
	info, err := os.Stat(opts.DownloadFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check download status: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, fmt.Errorf("download path %s is not a regular file", opts.DownloadFile())
	}
	return true, nil
}

// NewTransfer prepares a transfer for opts without starting it
func (d *Downloader) NewTransfer(opts *options.Download) (*Transfer, error) {
	u, err := url.Parse(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid package uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported package uri scheme %q", u.Scheme)
	}
	if opts.Protocol == "HTTPS" && u.Scheme != "https" {
		return nil, fmt.Errorf("protocol HTTPS requires an https uri")
	}
	t := &Transfer{
		opts:     opts,
		reporter: d.reporter,
		onBytes:  d.onBytes,
		logger:   d.logger.With("job_id", opts.JobID, "package", opts.Name, "version", opts.Version),
	}
	t.total.Store(-1)
	t.status.Store(notify.DownloadInProgress)
	return t, nil
}

// Transfer is one package download
type Transfer struct {
	opts     *options.Download
	settings Settings
	reporter notify.Reporter
	onBytes  func(n int64)
	logger   *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool

	total      atomic.Int64
	downloaded atomic.Int64
	status     atomic.Value // notify.DownloadStatus
}

// Options returns the options the transfer was created with
func (t *Transfer) Options() *options.Download { return t.opts }

// Configure applies settings; it must be called before Download
func (t *Transfer) Configure(s Settings) {
	t.settings = s
}

// Progress returns the live counters
func (t *Transfer) Progress() Progress {
	total := t.total.Load()
	done := t.downloaded.Load()
	return Progress{
		TotalBytes:      total,
		DownloadedBytes: done,
		Percent:         percent(done, total),
		Status:          t.status.Load().(notify.DownloadStatus),
	}
}

// Cancel interrupts a running transfer, or prevents a queued one from
// starting
func (t *Transfer) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
	t.logger.Info("download cancellation requested")
	return nil
}

// DeleteDownloadedFile removes the artifact and any partial file
func (t *Transfer) DeleteDownloadedFile() error {
	var errs []error
	for _, p := range []string{t.opts.DownloadFile(), partPath(t.opts.DownloadFile())} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Download performs the transfer and reports its outcome through the
// notifier. A transfer marked already downloaded only reports ALREADY DONE.
func (t *Transfer) Download(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		t.finish(ctx, notify.DownloadCancelled, nil)
		return ErrCancelled
	}
	t.cancel = cancel
	t.mu.Unlock()

	if t.settings.AlreadyDownloaded {
		t.logger.Info("package already downloaded", "file", t.opts.DownloadFile())
		if info, err := os.Stat(t.opts.DownloadFile()); err == nil {
			t.total.Store(info.Size())
			t.downloaded.Store(info.Size())
		}
		t.finish(ctx, notify.DownloadAlreadyDone, nil)
		return nil
	}

	err := t.transfer(ctx)
	if err == nil && t.opts.SystemUpdate && t.opts.VerifierURI != "" {
		err = t.fetchVerifier(ctx)
	}

	switch {
	case err == nil:
		t.logger.Info("download completed", "bytes", t.downloaded.Load())
		t.finish(ctx, notify.DownloadCompleted, nil)
		return nil
	case t.isCancelled() || errors.Is(err, context.Canceled):
		t.logger.Info("download cancelled", "bytes", t.downloaded.Load())
		t.finish(ctx, notify.DownloadCancelled, nil)
		return ErrCancelled
	default:
		t.logger.Error("download failed", "error", err)
		t.finish(ctx, notify.DownloadFailed, err)
		return err
	}
}

func (t *Transfer) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Transfer) transfer(ctx context.Context) error {
	target := t.opts.DownloadFile()
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	part := partPath(target)

	var offset int64
	if t.opts.Resume {
		if info, err := os.Stat(part); err == nil {
			offset = info.Size()
		}
	} else {
		_ = os.Remove(part)
	}

	client, err := t.httpClient()
	if err != nil {
		return err
	}
	resp, err := t.get(ctx, client, t.opts.URI, offset)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("unexpected response status %s", resp.Status)
	}

	if resp.ContentLength >= 0 {
		t.total.Store(offset + resp.ContentLength)
	}
	t.downloaded.Store(offset)

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open download file: %w", err)
	}
	if err := t.copyBlocks(ctx, f, resp.Body); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync download file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close download file: %w", err)
	}

	if err := t.verifyHash(part); err != nil {
		_ = os.Remove(part)
		return err
	}
	if err := os.Rename(part, target); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}
	if t.opts.SystemUpdate {
		if err := os.Chmod(target, 0755); err != nil {
			return fmt.Errorf("failed to mark update script executable: %w", err)
		}
	}
	return nil
}

func (t *Transfer) copyBlocks(ctx context.Context, w io.Writer, r io.Reader) error {
	blockSize := bufferSize(t.opts.BlockSize)
	notifyEvery := int64(t.opts.NotifyBlockSize)
	if notifyEvery <= 0 {
		notifyEvery = options.DefaultNotifyBlockSize
	}

	t.notifyProgress(ctx)
	buf := make([]byte, blockSize)
	var sinceNotify int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write download file: %w", err)
			}
			t.downloaded.Add(int64(n))
			if t.onBytes != nil {
				t.onBytes(int64(n))
			}
			sinceNotify += int64(n)
			if sinceNotify >= notifyEvery {
				sinceNotify = 0
				t.notifyProgress(ctx)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read package: %w", readErr)
		}
		if t.opts.BlockDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.opts.BlockDelay):
			}
		}
	}
}

// bufferSize keeps the transfer buffer within options.MaxBlockSize
func bufferSize(blockSize int) int {
	switch {
	case blockSize <= 0:
		return options.DefaultBlockSize
	case blockSize > options.MaxBlockSize:
		return options.MaxBlockSize
	}
	return blockSize
}

func (t *Transfer) fetchVerifier(ctx context.Context) error {
	if t.settings.VerificationDir == "" {
		return errors.New("verification directory is not configured")
	}
	if err := os.MkdirAll(t.settings.VerificationDir, 0755); err != nil {
		return fmt.Errorf("failed to create verification directory: %w", err)
	}
	client, err := t.httpClient()
	if err != nil {
		return err
	}
	resp, err := t.get(ctx, client, t.opts.VerifierURI, 0)
	if err != nil {
		return fmt.Errorf("verifier download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verifier download failed: unexpected response status %s", resp.Status)
	}

	path := VerifierPath(t.settings.VerificationDir, &t.opts.Install)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create verifier file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write verifier file: %w", err)
	}
	return f.Close()
}

// VerifierPath returns where the verifier script of a system update is kept
func VerifierPath(dir string, opts *options.Install) string {
	base := strings.TrimSuffix(filepath.Base(opts.DownloadFile()), filepath.Ext(opts.DownloadFile()))
	return filepath.Join(dir, base+"_verifier.sh")
}

func (t *Transfer) httpClient() (*http.Client, error) {
	timeout := t.opts.Timeout
	if timeout <= 0 {
		timeout = options.DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	if t.settings.TLS != nil {
		cfg, err := t.settings.TLS.TLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load tls configuration: %w", err)
		}
		transport.TLSClientConfig = cfg
	}
	return &http.Client{Transport: transport}, nil
}

func (t *Transfer) get(ctx context.Context, client *http.Client, uri string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if t.opts.Username != "" || t.opts.Password != "" {
		req.SetBasicAuth(t.opts.Username, t.opts.Password)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (t *Transfer) verifyHash(path string) error {
	if t.opts.HashAlgorithm == "" {
		return nil
	}
	var h hash.Hash
	switch t.opts.HashAlgorithm {
	case "MD5":
		h = md5.New()
	case "SHA1":
		h = sha1.New()
	case "SHA256":
		h = sha256.New()
	default:
		return fmt.Errorf("unsupported hash algorithm %s", t.opts.HashAlgorithm)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open download for hashing: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash download: %w", err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != t.opts.HashValue {
		return fmt.Errorf("%s checksum mismatch: expected %s, got %s", t.opts.HashAlgorithm, t.opts.HashValue, sum)
	}
	return nil
}

func (t *Transfer) notifyProgress(ctx context.Context) {
	t.send(ctx, notify.DownloadInProgress, nil)
}

func (t *Transfer) finish(ctx context.Context, status notify.DownloadStatus, err error) {
	t.status.Store(status)
	if status == notify.DownloadCompleted || status == notify.DownloadAlreadyDone {
		if total := t.total.Load(); total < 0 {
			t.total.Store(t.downloaded.Load())
		}
	}
	// The request context may already be cancelled; the final report must
	// still go out.
	t.send(context.WithoutCancel(ctx), status, err)
}

func (t *Transfer) send(ctx context.Context, status notify.DownloadStatus, err error) {
	if t.reporter == nil {
		return
	}
	p := t.Progress()
	progress := p.Percent
	if status == notify.DownloadCompleted || status == notify.DownloadAlreadyDone {
		progress = 100
	}
	n := notify.New(notify.TypeDownload, t.opts.RequesterClientID).
		With(notify.MetricJobID, t.opts.JobID).
		With(notify.MetricName, t.opts.Name).
		With(notify.MetricVersion, t.opts.Version).
		With(notify.MetricDownloadSize, p.TotalBytes).
		With(notify.MetricDownloadProgress, progress).
		With(notify.MetricDownloadStatus, string(status))
	if err != nil {
		n.With(notify.MetricDownloadErrorMessage, err.Error())
	}
	if nerr := t.reporter.Notify(ctx, n); nerr != nil {
		t.logger.Warn("failed to publish download notification", "status", status, "error", nerr)
	}
}

func partPath(target string) string {
	return target + ".part"
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	if p > 100 {
		return 100
	}
	return p
}
