package recipes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	srcinfo "github.com/Morganamilo/go-srcinfo"
)

// Recipe is a recipe directory found on disk.
type Recipe struct {
	Name string
	Dir  string

	// Populated from .SRCINFO when the recipe ships one.
	Pkgbase  string
	Version  string
	Packages []string
}

// Discover lists subdirectories of dir containing a PKGBUILD, sorted by name.
// A missing dir yields no recipes.
func Discover(dir string) ([]Recipe, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recipes directory %s: %w", dir, err)
	}

	var found []Recipe
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		recipeDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(recipeDir, "PKGBUILD")); err != nil {
			continue
		}
		found = append(found, Recipe{Name: entry.Name(), Dir: recipeDir})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// LoadSrcinfo fills recipe metadata from its .SRCINFO. It reports false when the
// recipe has none.
func LoadSrcinfo(r *Recipe) (bool, error) {
	path := filepath.Join(r.Dir, ".SRCINFO")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	info, err := srcinfo.ParseFile(path)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}

	r.Pkgbase = info.Pkgbase
	r.Version = constructVersion(info.Pkgver, info.Pkgrel, info.Epoch)
	r.Packages = r.Packages[:0]
	for _, pkg := range info.Packages {
		r.Packages = append(r.Packages, pkg.Pkgname)
	}
	return true, nil
}

func constructVersion(pkgver, pkgrel, epoch string) string {
	if epoch != "" && epoch != "0" {
		return epoch + ":" + pkgver + "-" + pkgrel
	}
	return pkgver + "-" + pkgrel
}

// IsPackageFile reports whether name looks like a built package archive.
func IsPackageFile(name string) bool {
	return strings.Contains(name, ".pkg.tar") && !strings.HasSuffix(name, ".sig")
}

// DiscoverArtifacts lists package archives directly inside dir, sorted.
// A missing dir yields no artifacts.
func DiscoverArtifacts(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifacts directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && IsPackageFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
