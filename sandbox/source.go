// Copyright (c) 2021 - The Event Horizon authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Artifact is the source code of a module at a revision.
type Artifact struct {
	Name     string
	Revision uint64
	Code     []byte
}

// Source distributes module artifacts.
type Source interface {
	// Fetch returns the latest revision of a module. Returns an error
	// wrapping ErrModuleNotFound if there is no such module.
	Fetch(ctx context.Context, name string) (Artifact, error)
}

// CompileFunc builds a module from an artifact.
type CompileFunc func(artifact Artifact) (Module, error)

// FileSource is a Source reading modules from files in a directory. The
// revision of a module is the modification time of its file.
type FileSource struct {
	fsys fs.FS
}

// NewFileSource creates a new FileSource for a directory.
func NewFileSource(dir string) *FileSource {
	return &FileSource{fsys: os.DirFS(dir)}
}

// NewFSSource creates a new FileSource for a file system, for example an
// embedded one.
func NewFSSource(fsys fs.FS) *FileSource {
	return &FileSource{fsys: fsys}
}

// Fetch implements the Fetch method of the Source interface.
func (s *FileSource) Fetch(ctx context.Context, name string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	name = filepath.ToSlash(name)

	info, err := fs.Stat(s.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	} else if err != nil {
		return Artifact{}, fmt.Errorf("could not stat module: %w", err)
	}

	code, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return Artifact{}, fmt.Errorf("could not read module: %w", err)
	}

	var revision uint64
	if t := info.ModTime(); !t.IsZero() {
		revision = uint64(t.UnixNano())
	}

	return Artifact{
		Name:     name,
		Revision: revision,
		Code:     code,
	}, nil
}

// Loader caches compiled modules by name and revision. A module is rebuilt
// when its source has a new revision. The old one is closed once no acquired
// reference to it is left.
type Loader struct {
	source  Source
	compile CompileFunc
	logger  *slog.Logger

	modules   map[string]*loaded
	retired   map[*loaded]struct{}
	modulesMu sync.Mutex
}

type loaded struct {
	name     string
	revision uint64
	module   Module
	refs     int
}

// LoaderOption is an option setter used to configure a Loader.
type LoaderOption func(*Loader) error

// WithLoaderLogger sets the logger of a loader.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) error {
		if logger == nil {
			return fmt.Errorf("missing logger")
		}

		l.logger = logger

		return nil
	}
}

// NewLoader creates a new Loader.
func NewLoader(source Source, compile CompileFunc, options ...LoaderOption) (*Loader, error) {
	if source == nil {
		return nil, fmt.Errorf("missing source")
	}

	if compile == nil {
		return nil, fmt.Errorf("missing compile func")
	}

	l := &Loader{
		source:  source,
		compile: compile,
		logger:  slog.New(slog.DiscardHandler),
		modules: map[string]*loaded{},
		retired: map[*loaded]struct{}{},
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(l); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return l, nil
}

// Load returns the module for the latest revision of a name. The module can
// be closed by a later reload, use Acquire to keep it usable.
func (l *Loader) Load(ctx context.Context, name string) (Module, error) {
	module, release, err := l.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}

	release()

	return module, nil
}

// Acquire returns the module for the latest revision of a name. It is not
// closed by a reload before release is called.
func (l *Loader) Acquire(ctx context.Context, name string) (Module, func(), error) {
	artifact, err := l.source.Fetch(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	l.modulesMu.Lock()
	defer l.modulesMu.Unlock()

	m, ok := l.modules[name]
	if !ok || m.revision != artifact.Revision {
		module, err := l.compile(artifact)
		if err != nil {
			return nil, nil, fmt.Errorf("could not compile module %s@%d: %w", name, artifact.Revision, err)
		}

		if ok {
			l.retire(m)
		}

		m = &loaded{name: name, revision: artifact.Revision, module: module}
		l.modules[name] = m

		l.logger.Info("module loaded",
			slog.String("module", name),
			slog.Uint64("revision", artifact.Revision),
		)
	}

	m.refs++

	var once sync.Once

	return m.module, func() { once.Do(func() { l.release(m) }) }, nil
}

// retire closes a replaced module, or defers closing it to its last release.
// The lock must be held.
func (l *Loader) retire(m *loaded) {
	if m.refs > 0 {
		l.retired[m] = struct{}{}
		return
	}

	l.close(m)
}

func (l *Loader) release(m *loaded) {
	l.modulesMu.Lock()
	defer l.modulesMu.Unlock()

	m.refs--

	if _, ok := l.retired[m]; ok && m.refs == 0 {
		delete(l.retired, m)
		l.close(m)
	}
}

func (l *Loader) close(m *loaded) {
	if err := m.module.Close(); err != nil {
		l.logger.Warn("could not close module",
			slog.String("module", m.name),
			slog.Uint64("revision", m.revision),
			slog.Any("error", err),
		)
	}
}

// Bind returns a Module that calls the latest revision of a name. It
// implements Acquirer.
func (l *Loader) Bind(name string) Module {
	return &boundModule{loader: l, name: name}
}

// Close closes all loaded modules, including those still acquired.
func (l *Loader) Close() error {
	l.modulesMu.Lock()
	defer l.modulesMu.Unlock()

	var errs []error

	for name, m := range l.modules {
		if err := m.module.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close module %s: %w", name, err))
		}

		delete(l.modules, name)
	}

	for m := range l.retired {
		if err := m.module.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close module %s@%d: %w", m.name, m.revision, err))
		}

		delete(l.retired, m)
	}

	return errors.Join(errs...)
}

type boundModule struct {
	loader *Loader
	name   string
}

// Call implements the Call method of the Module interface. Each call uses the
// latest revision, acquire the module to make several calls on one revision.
func (m *boundModule) Call(ctx context.Context, op string, in []byte) ([]byte, error) {
	module, release, err := m.loader.Acquire(ctx, m.name)
	if err != nil {
		return nil, err
	}
	defer release()

	return module.Call(ctx, op, in)
}

// Acquire implements the Acquire method of the Acquirer interface.
func (m *boundModule) Acquire(ctx context.Context) (Module, func(), error) {
	return m.loader.Acquire(ctx, m.name)
}

// Close implements the Close method of the Module interface. The loader owns
// the modules, so this does nothing.
func (m *boundModule) Close() error {
	return nil
}
