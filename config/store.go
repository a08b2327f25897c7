package config

import (
	"encoding/json"
	"os"

	"github.com/spf13/afero"

	"github.com/nestybox/sysbox-libs/saferoot/domain"
	"github.com/nestybox/sysbox-libs/saferoot/saferr"
)

// Store persists a Process's configuration to a JSON file through an
// injectable afero.Fs, so the file-backed state can be tested against
// an in-memory filesystem instead of the real one.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore builds a Store backed by fs (use afero.NewOsFs() in
// production, afero.NewMemMapFs() in tests).
func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

type fileFormat struct {
	Global Global             `json:"global"`
	Roots  map[string]rootJSON `json:"roots"`
}

type rootJSON struct {
	Resolver      string `json:"resolver"`
	AllowFallback bool   `json:"allow_fallback"`
}

// Load populates p from the Store's file. A missing file is not an
// error — persistence is optional, and absence just means the
// in-memory defaults stand.
func (s *Store) Load(p *Process) error {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return saferr.Wrap(err, saferr.KindInternal, "read configuration file %q", s.path)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return saferr.Wrap(err, saferr.KindInvalidArgument, "parse configuration file %q", s.path)
	}

	p.SetGlobal(ff.Global)
	for key, r := range ff.Roots {
		kind := domain.ResolverEmulated
		if r.Resolver == "kernel" {
			kind = domain.ResolverKernel
		}
		p.SetRootConfig(key, RootRaw{Resolver: kind, AllowFallback: r.AllowFallback})
	}
	return nil
}

// Save writes p's current state to the Store's file.
func (s *Store) Save(p *Process) error {
	ff := fileFormat{Global: p.Global(), Roots: make(map[string]rootJSON)}

	p.mu.RLock()
	for key, r := range p.roots {
		name := "emulated"
		if r.Resolver == domain.ResolverKernel {
			name = "kernel"
		}
		ff.Roots[key] = rootJSON{Resolver: name, AllowFallback: r.AllowFallback}
	}
	p.mu.RUnlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return saferr.Wrap(err, saferr.KindInternal, "marshal configuration")
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0o644); err != nil {
		return saferr.Wrap(err, saferr.KindInternal, "write configuration file %q", s.path)
	}
	return nil
}
