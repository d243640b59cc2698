package utils

import (
	"encoding/json"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/spf13/afero"
)

type Fs struct {
	AppFs afero.Fs
}

func NewFs(appFs afero.Fs) Fs {
	return Fs{AppFs: appFs}
}

// WriteJSON replaces filePath with the indented JSON of data. The content is
// written next to the target first and renamed into place.
func (fs Fs) WriteJSON(filePath string, data interface{}) error {
	if err := fs.AppFs.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return xerrors.Errorf("unable to create a directory: %w", err)
	}

	tmp := filePath + ".tmp"
	f, err := fs.AppFs.Create(tmp)
	if err != nil {
		return xerrors.Errorf("unable to open a file: %w", err)
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		f.Close()
		return xerrors.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err = f.Write(b); err != nil {
		f.Close()
		return xerrors.Errorf("failed to save a file: %w", err)
	}
	if err = f.Close(); err != nil {
		return xerrors.Errorf("failed to close a file: %w", err)
	}
	if err = fs.AppFs.Rename(tmp, filePath); err != nil {
		return xerrors.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// ReadJSON decodes filePath into v. Unknown keys are ignored.
func (fs Fs) ReadJSON(filePath string, v interface{}) error {
	f, err := fs.AppFs.Open(filePath)
	if err != nil {
		return xerrors.Errorf("unable to open a file: %w", err)
	}
	defer f.Close()

	if err = json.NewDecoder(f).Decode(v); err != nil {
		return xerrors.Errorf("failed to decode %s: %w", filePath, err)
	}
	return nil
}

func (fs Fs) Exists(filePath string) (bool, error) {
	return Exists(fs.AppFs, filePath)
}
