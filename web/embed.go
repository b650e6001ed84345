package web

import (
	"embed"
	"io/fs"
	"path"
	"sort"
)

// The offline app shell: the pages the request interception cache precaches
// so a ward terminal can load without the network.
//
//go:embed all:dist
var staticFS embed.FS

// FS returns the app shell rooted at dist.
func FS() (fs.FS, error) {
	return fs.Sub(staticFS, "dist")
}

// PrecachePaths lists the URL path of every app shell file, plus "/" for the
// index, in lexical order.
func PrecachePaths() ([]string, error) {
	assets, err := FS()
	if err != nil {
		return nil, err
	}

	paths := []string{"/"}
	err = fs.WalkDir(assets, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		paths = append(paths, path.Join("/", p))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
