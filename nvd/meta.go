package nvd

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// upstreamMeta is the content of a feed's ".meta" file as published by NVD.
type upstreamMeta struct {
	SHA256       string
	LastModified time.Time
	Size         int64
	GZSize       int64
}

func parseUpstreamMeta(r io.Reader) (upstreamMeta, error) {
	var m upstreamMeta
	s := bufio.NewScanner(r)
	for s.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(s.Text()), ":")
		if !ok {
			continue
		}
		var err error
		switch k {
		case "lastModifiedDate":
			m.LastModified, err = time.Parse(time.RFC3339, v)
		case "size":
			m.Size, err = strconv.ParseInt(v, 10, 64)
		case "gzSize":
			m.GZSize, err = strconv.ParseInt(v, 10, 64)
		case "sha256":
			m.SHA256 = strings.ToLower(v)
		default:
			// ignore
		}
		if err != nil {
			return m, xerrors.Errorf("invalid %s: %w", k, err)
		}
	}
	if err := s.Err(); err != nil {
		return m, xerrors.Errorf("failed to read meta: %w", err)
	}
	if m.SHA256 == "" {
		return m, xerrors.New("meta has no sha256")
	}
	return m, nil
}

// sidecar is stored next to each cached archive. Its layout is stable and
// unknown keys are ignored on read.
type sidecar struct {
	SHA256       string    `json:"sha256"`
	LastModified time.Time `json:"last_modified"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

func (s sidecar) fresh(m upstreamMeta) bool {
	return s.SHA256 != "" && s.SHA256 == m.SHA256
}
