package inventory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"iter"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

type LocalConfig struct {
	AccountName string
	Root        string
	// BaseURL is where a web server exposes Root; URL joins it with container and name.
	BaseURL string
}

// LocalSource treats each top-level directory under Root as a container.
type LocalSource struct {
	cfg LocalConfig
	fs  afero.Fs
}

func NewLocal(fs afero.Fs, cfg LocalConfig) *LocalSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg.AccountName == "" {
		cfg.AccountName = "local"
	}
	// BasePathFs needs an absolute base.
	if abs, err := filepath.Abs(cfg.Root); err == nil {
		cfg.Root = abs
	}
	return &LocalSource{cfg: cfg, fs: afero.NewBasePathFs(fs, cfg.Root)}
}

func (l *LocalSource) Name() string { return l.cfg.AccountName }

func (l *LocalSource) containers(scope Scope) ([]string, error) {
	entries, err := afero.ReadDir(l.fs, "/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	if scope.Container == "" {
		return out, nil
	}
	for _, c := range out {
		if c == scope.Container {
			return []string{c}, nil
		}
	}
	return nil, ErrUnknownContainer
}

func (l *LocalSource) Enumerate(ctx context.Context, scope Scope) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		containers, err := l.containers(scope)
		if err != nil {
			yield(Item{}, sourceErr("list containers", err))
			return
		}
		stop := errors.New("stop")
		for _, c := range containers {
			err := afero.Walk(l.fs, "/"+c, func(p string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
					return nil
				}
				name := strings.TrimPrefix(filepath.ToSlash(p), "/"+c+"/")
				sum, err := l.hash(p)
				if err != nil {
					return err
				}
				it := Item{
					Key:           Key{AccountName: l.cfg.AccountName, ContainerName: c, Name: name},
					Category:      CategoryOf(name),
					CreatedOn:     info.ModTime(),
					LastModified:  info.ModTime(),
					ContentLength: info.Size(),
					ContentHash:   sum,
				}
				if !yield(it, nil) {
					return stop
				}
				return nil
			})
			switch {
			case err == nil:
			case errors.Is(err, stop):
				return
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				yield(Item{}, err)
				return
			default:
				yield(Item{}, sourceErr("walk "+c, err))
				return
			}
		}
	}
}

func (l *LocalSource) hash(p string) (string, error) {
	f, err := l.fs.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *LocalSource) URL(_ context.Context, key Key) (string, error) {
	if l.cfg.BaseURL == "" {
		return "", errors.New("local inventory has no base_url")
	}
	base, err := url.Parse(l.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	base.Path = path.Join(base.Path, key.ContainerName, key.Name)
	return base.String(), nil
}
