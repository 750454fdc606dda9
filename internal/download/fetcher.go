// Package download implements the model download collaborator: it fetches
// model files over HTTP into a local models directory, staging through
// .part files so interrupted downloads are detected and cleaned up before a
// retry, and reports progress through a caller-supplied callback.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runnerd/internal/apperr"
	"runnerd/internal/store"
	"runnerd/pkg/types"
)

// partSuffix marks an in-flight staging file.
const partSuffix = ".part"

// ProgressFunc receives download advancement. Called from the downloading
// goroutine; implementations must be fast.
type ProgressFunc func(types.DownloadProgress)

// Downloader is the interface the model manager depends on.
type Downloader interface {
	Download(ctx context.Context, model types.Model, onProgress ProgressFunc) (types.Manifest, error)
	Status(model, quant string) (types.ModelStatus, error)
	IsDownloaded(model, quant string) (bool, error)
	Remove(model, quant string) error
}

// Fetcher downloads model files from a catalog base URL into modelsDir and
// records completed downloads in the ledger.
type Fetcher struct {
	baseURL   string
	modelsDir string
	ledger    *store.Ledger
	client    *http.Client
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool // key: model/quant
}

func NewFetcher(baseURL, modelsDir string, ledger *store.Ledger, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		baseURL:   strings.TrimRight(baseURL, "/"),
		modelsDir: modelsDir,
		ledger:    ledger,
		client:    &http.Client{},
		log:       log,
		inflight:  make(map[string]bool),
	}
}

func key(model, quant string) string { return model + "/" + quant }

// fileName keeps on-disk names predictable: <model>-<quant>.gguf.
func fileName(model, quant string) string {
	name := model
	if quant != "" {
		name += "-" + quant
	}
	return name + ".gguf"
}

// Download fetches the model file, streaming progress through onProgress.
// A stale .part file from an interrupted attempt is removed before the
// transfer starts so retries never fail on leftover state. The staged file
// is renamed into place and recorded in the ledger only on success.
func (f *Fetcher) Download(ctx context.Context, model types.Model, onProgress ProgressFunc) (types.Manifest, error) {
	k := key(model.ID, model.Quant)
	f.mu.Lock()
	if f.inflight[k] {
		f.mu.Unlock()
		return types.Manifest{}, apperr.DownloadFailed("download already in progress for %s", k)
	}
	f.inflight[k] = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inflight, k)
		f.mu.Unlock()
	}()

	if err := os.MkdirAll(f.modelsDir, 0o755); err != nil {
		return types.Manifest{}, apperr.DownloadFailed("creating models dir: %v", err)
	}
	dest := filepath.Join(f.modelsDir, fileName(model.ID, model.Quant))
	part := dest + partSuffix
	// Stale partial state from an interrupted run must not cause an
	// "already exists" failure now.
	_ = os.Remove(part)

	url := model.URL
	if url == "" {
		url = fmt.Sprintf("%s/%s", f.baseURL, fileName(model.ID, model.Quant))
	} else if !strings.Contains(url, "://") {
		url = fmt.Sprintf("%s/%s", f.baseURL, strings.TrimLeft(url, "/"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.Manifest{}, apperr.DownloadFailed("building request: %v", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		_ = os.Remove(part)
		if ctx.Err() != nil {
			return types.Manifest{}, ctx.Err()
		}
		return types.Manifest{}, apperr.DownloadFailed("fetching %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return types.Manifest{}, apperr.DownloadFailed("fetching %s: status %d", url, resp.StatusCode)
	}

	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return types.Manifest{}, apperr.DownloadFailed("creating staging file: %v", err)
	}

	written, copyErr := f.copyWithProgress(ctx, out, resp.Body, resp.ContentLength, onProgress)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(part)
		if ctx.Err() != nil {
			return types.Manifest{}, ctx.Err()
		}
		return types.Manifest{}, apperr.DownloadFailed("transfer failed: %v", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(part)
		return types.Manifest{}, apperr.DownloadFailed("closing staging file: %v", closeErr)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return types.Manifest{}, apperr.DownloadFailed("finalizing download: %v", err)
	}

	m := types.Manifest{
		Model:        model.ID,
		Quant:        model.Quant,
		Path:         dest,
		SizeBytes:    written,
		DownloadedAt: time.Now().Unix(),
	}
	if err := f.ledger.Put(m); err != nil {
		return types.Manifest{}, apperr.DownloadFailed("recording download: %v", err)
	}
	f.log.Info().Str("model", model.ID).Str("quant", model.Quant).Int64("bytes", written).Msg("download complete")
	return m, nil
}

func (f *Fetcher) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	var speed speedometer
	var written int64
	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if onProgress != nil {
				frac := 0.0
				if total > 0 {
					frac = float64(written) / float64(total)
					if frac > 1 {
						frac = 1
					}
				}
				onProgress(types.DownloadProgress{
					FractionComplete: frac,
					BytesPerSecond:   speed.sample(written, time.Now()),
				})
			}
		}
		if err == io.EOF {
			if onProgress != nil {
				onProgress(types.DownloadProgress{FractionComplete: 1, BytesPerSecond: speed.lastSpeed})
			}
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// Status reports local availability for model+quant.
func (f *Fetcher) Status(model, quant string) (types.ModelStatus, error) {
	f.mu.Lock()
	busy := f.inflight[key(model, quant)]
	f.mu.Unlock()
	if busy {
		return types.StatusInProgress, nil
	}
	ok, err := f.IsDownloaded(model, quant)
	if err != nil {
		return types.StatusNotPresent, err
	}
	if ok {
		return types.StatusPresent, nil
	}
	return types.StatusNotPresent, nil
}

// IsDownloaded reports whether a completed download exists on disk. A
// ledger row whose file vanished is treated as not downloaded and pruned.
func (f *Fetcher) IsDownloaded(model, quant string) (bool, error) {
	m, ok, err := f.ledger.Get(model, quant)
	if err != nil || !ok {
		return false, err
	}
	if fi, err := os.Stat(m.Path); err != nil || fi.IsDir() {
		_, _ = f.ledger.Delete(model, quant)
		return false, nil
	}
	return true, nil
}

// Manifest returns the recorded manifest for a completed download.
func (f *Fetcher) Manifest(model, quant string) (types.Manifest, bool, error) {
	return f.ledger.Get(model, quant)
}

// Remove deletes the model file, any stale partial, and the ledger row.
func (f *Fetcher) Remove(model, quant string) error {
	f.mu.Lock()
	busy := f.inflight[key(model, quant)]
	f.mu.Unlock()
	if busy {
		return apperr.DeleteFailed("download in progress for %s/%s", model, quant)
	}
	dest := filepath.Join(f.modelsDir, fileName(model, quant))
	_ = os.Remove(dest + partSuffix)
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return apperr.DeleteFailed("removing %s: %v", dest, err)
	}
	if _, err := f.ledger.Delete(model, quant); err != nil {
		return apperr.DeleteFailed("removing ledger row: %v", err)
	}
	return nil
}
