package utils

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/cheggaaa/pb/v3"
	getter "github.com/hashicorp/go-getter"
	"golang.org/x/xerrors"
)

type DownloadOptions struct {
	// Client is used for the transfer. Nil uses NewHTTPClient(nil).
	Client *http.Client
	// Progress, when set, receives a progress bar per download.
	Progress io.Writer
}

// DownloadFile stores src at dst byte for byte. Compressed sources are not
// unpacked and an existing dst is replaced.
func DownloadFile(ctx context.Context, src, dst string, opts DownloadOptions) error {
	// go-getter opens dst without truncating it
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("failed to remove %s: %w", dst, err)
	}

	client := opts.Client
	if client == nil {
		client = NewHTTPClient(nil)
	}
	httpGetter := &getter.HttpGetter{
		Client:              client,
		DoNotCheckHeadFirst: true,
	}

	var listener getter.ProgressTracker
	if opts.Progress != nil {
		listener = progressTracker{w: opts.Progress}
	}

	if err := download(ctx, src, dst, getter.ClientModeFile, httpGetter, listener); err != nil {
		return xerrors.Errorf("download error: %w", err)
	}
	return nil
}

func download(ctx context.Context, src, dst string, mode getter.ClientMode, g getter.Getter,
	listener getter.ProgressTracker) error {
	pwd, err := os.Getwd()
	if err != nil {
		return xerrors.Errorf("unable to get the current dir: %w", err)
	}

	// Build the client
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: mode,
		Getters: map[string]getter.Getter{
			"http":  g,
			"https": g,
		},
		// archives are kept as downloaded
		Decompressors:    map[string]getter.Decompressor{},
		ProgressListener: listener,
	}

	if err = client.Get(); err != nil {
		return xerrors.Errorf("failed to download: %w", err)
	}

	return nil
}

type progressTracker struct {
	w io.Writer
}

func (p progressTracker) TrackProgress(src string, currentSize, totalSize int64, stream io.ReadCloser) io.ReadCloser {
	bar := pb.Full.New(0).
		SetTotal(totalSize).
		SetCurrent(currentSize).
		SetWriter(p.w).
		Set(pb.Bytes, true).
		Set("prefix", src).
		Start()
	return bar.NewProxyReader(stream)
}
