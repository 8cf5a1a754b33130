package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/casket-io/casket/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// putStageName is the staging area prefix for atomic writes.
// Files are written there first, then renamed into place.
const putStageName = ".put-stage"

// New creates a local file system backed blob store.
//
// Writes are staged then renamed, so concurrent Puts of the same key never
// expose a partially written object.
func New(fs afero.Fs) (storage.Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".casket", "objects"))
	}
	if err := fs.MkdirAll(putStageName, 0700); err != nil {
		return nil, errors.Wrapf(err, "ensuring put staging directory %q", putStageName)
	}
	return &localFS{fs: fs}, nil
}

type localFS struct {
	fs afero.Fs
}

func maybeInvalidKey(key string) error {
	parts := strings.Split(strings.TrimLeft(key, string(os.PathSeparator)), string(os.PathSeparator))
	if len(parts) > 0 && parts[0] == putStageName {
		return errors.Errorf("key %q conflicts with put staging area name %q", key, putStageName)
	}
	return nil
}

func (l *localFS) Has(ctx context.Context, key string) (bool, error) {
	if err := maybeInvalidKey(key); err != nil {
		return false, err
	}
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, storage.ErrNotFound
	}
	return l.fs.Open(key)
}

func (l *localFS) Put(ctx context.Context, key string, source io.Reader, overwrite bool) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	if !overwrite {
		has, err := l.Has(ctx, key)
		if err != nil {
			return err
		}
		if has {
			return storage.ErrExists
		}
	}

	stageKey := filepath.Join(putStageName, key)
	if dir := filepath.Dir(stageKey); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return errors.Wrapf(err, "ensuring directories for %q", stageKey)
		}
	}
	target, err := l.fs.OpenFile(stageKey, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "create record for %q", key)
	}
	if _, err = storage.PipeIO(target, source); err != nil {
		_ = target.Close()
		return errors.Wrapf(err, "write record for %q", key)
	}
	if err = target.Close(); err != nil {
		return err
	}

	// Rename doesn't create directories automatically
	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return errors.Wrapf(err, "ensuring directories for %q", key)
		}
	}
	return l.fs.Rename(stageKey, key)
}

func (l *localFS) Delete(ctx context.Context, key string) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %q", key)
	}
	return nil
}

func (l *localFS) Keys(ctx context.Context) ([]string, error) {
	const root = "."
	var res []string
	err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}
		if e := maybeInvalidKey(path); e != nil {
			// skip staged leftovers
			return nil
		}
		res = append(res, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *localFS) Clear(ctx context.Context) error {
	if err := l.fs.RemoveAll("/"); err != nil {
		return err
	}
	return l.fs.MkdirAll(putStageName, 0700)
}

func (l *localFS) String() string {
	const localfs = "localfs"
	if fs, ok := l.fs.(*afero.BasePathFs); ok {
		if pp, err := fs.RealPath(""); err == nil {
			return localfs + "@" + pp
		}
	}
	return localfs
}
