package pool

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joao-brasil/sqlease/pkg/dberr"
)

// Import returns the SQL template stored under name, relative to the pool's
// resource base. Templates are read once and kept for the pool's lifetime.
func (p *Pool) Import(name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if v, ok := p.templates.Load(name); ok {
		return v.(string), nil
	}
	if p.resources == nil {
		return "", dberr.New(dberr.KindResourceNotFound, "pool.import", "%s: no resource base configured", name)
	}

	data, err := fs.ReadFile(p.resources, name)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
		return "", dberr.Wrap(dberr.KindResourceNotFound, "pool.import", err, "%s", name)
	}
	if err != nil {
		return "", err
	}

	tmpl := string(data)
	p.templates.Store(name, tmpl)
	return tmpl, nil
}
