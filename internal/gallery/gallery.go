// Package gallery lists the image files that make up sample pools and the
// enrollment gallery.
package gallery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/faceverify/internal/event"
	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/andresmejia3/faceverify/internal/utils"
)

var log = event.Log

// IdentitySeparator splits an identity prefix from the rest of an imported
// file name, e.g. "Jane_Doe__3fa2c1.jpg".
const IdentitySeparator = "__"

var imageExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	return imageExt[strings.ToLower(filepath.Ext(name))]
}

// Gallery supplies the enrolled images a live capture is compared with.
type Gallery interface {
	Refs() ([]string, error)
}

// Dir is a gallery backed by the image files of one directory.
type Dir struct {
	Path string
}

// Refs returns the image files in Dir sorted by name.
func (d Dir) Refs() ([]string, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, &types.InvalidGalleryError{Reason: err.Error()}
	}
	var refs []string
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		refs = append(refs, filepath.Join(d.Path, e.Name()))
	}
	sort.Strings(refs)
	return refs, nil
}

// IdentityOf returns the identity prefix of an imported file name, or "".
func IdentityOf(ref string) string {
	base := filepath.Base(ref)
	if i := strings.Index(base, IdentitySeparator); i > 0 {
		return base[:i]
	}
	return ""
}

// LoadPool lists dir as a pool in name order. Samples take identity when
// it is set, otherwise the prefix encoded in their file name.
func LoadPool(name types.PoolName, dir, identity string) (types.Pool, error) {
	refs, err := Dir{Path: dir}.Refs()
	if err != nil {
		return types.Pool{}, fmt.Errorf("%s pool: %w", name, err)
	}
	pool := types.Pool{Name: name, Samples: make([]types.Sample, len(refs))}
	for i, ref := range refs {
		id := identity
		if id == "" {
			id = IdentityOf(ref)
		}
		pool.Samples[i] = types.Sample{Ref: ref, Identity: id}
	}
	return pool, nil
}

// ImportNegatives flattens a labelled corpus laid out as
// <root>/<person>/<image> into dst. Files are named
// <person>__<content hash>.<ext>, so importing twice does not duplicate
// images. At most limit files are copied when limit is positive. It returns
// the number of new files written.
func ImportNegatives(root, dst string, limit int) (int, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, err
	}

	written := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsImage(d.Name()) {
			return nil
		}
		if limit > 0 && written >= limit {
			return fs.SkipAll
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		person := strings.Split(filepath.ToSlash(rel), "/")[0]
		if person == d.Name() {
			person = "unknown"
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		id := utils.ContentID(data)[:16]
		name := person + IdentitySeparator + id + strings.ToLower(filepath.Ext(d.Name()))
		target := filepath.Join(dst, name)

		if _, err := os.Stat(target); err == nil {
			return nil
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("import negatives: %w", err)
	}

	log.Infof("gallery: imported %d images from %s into %s", written, root, dst)
	return written, nil
}
