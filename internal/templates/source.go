// Package templates — каталог мастер-версий шаблона.
//
// Каждая мастер-версия — это каталог:
//
//	<version>/manifest.yaml   — список изменённых файлов
//	<version>/<path>          — содержимое файлов
//
// Каталог читается из локальной файловой системы (FSSource)
// или из S3-совместимого хранилища (S3Source).
package templates

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/shaiso/Rollout/internal/domain"
	"gopkg.in/yaml.v3"
)

// ManifestFile — имя манифеста внутри каталога версии.
const ManifestFile = "manifest.yaml"

// FSSource читает мастер-шаблоны из fs.FS.
type FSSource struct {
	fsys fs.FS
}

// NewFSSource создаёт источник поверх fsys (обычно os.DirFS(TEMPLATE_DIR)).
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys}
}

// ListVersions возвращает каталоги, в которых есть manifest.yaml.
func (s *FSSource) ListVersions(_ context.Context) ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("%w: read template root: %w", domain.ErrInfrastructure, err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(s.fsys, path.Join(e.Name(), ManifestFile)); err == nil {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// Manifest читает и разбирает манифест версии.
func (s *FSSource) Manifest(_ context.Context, version string) (*domain.TemplateManifest, error) {
	data, err := fs.ReadFile(s.fsys, path.Join(version, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: template version %s: %w", domain.ErrNotFound, version, err)
	}
	return ParseManifest(version, data)
}

// ReadFile возвращает содержимое файла мастер-версии.
func (s *FSSource) ReadFile(_ context.Context, version, file string) (string, error) {
	data, err := fs.ReadFile(s.fsys, path.Join(version, file))
	if err != nil {
		return "", fmt.Errorf("%w: read %s@%s: %w", domain.ErrInfrastructure, file, version, err)
	}
	return string(data), nil
}

// ParseManifest разбирает manifest.yaml и проверяет его.
//
// Пустой version в манифесте заменяется именем каталога.
func ParseManifest(version string, data []byte) (*domain.TemplateManifest, error) {
	var m domain.TemplateManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, domain.Validationf("parse manifest %s: %v", version, err)
	}
	if m.Version == "" {
		m.Version = version
	}

	seen := make(map[string]bool, len(m.Files))
	for i, f := range m.Files {
		if f.Path == "" {
			return nil, domain.Validationf("manifest %s: file %d has empty path", version, i)
		}
		if seen[f.Path] {
			return nil, domain.Validationf("manifest %s: duplicate path %s", version, f.Path)
		}
		seen[f.Path] = true

		switch f.Change {
		case domain.ChangeAdded, domain.ChangeModified, domain.ChangeDeleted, domain.ChangeStyle:
		default:
			return nil, domain.Validationf("manifest %s: %s has unknown change %q", version, f.Path, f.Change)
		}
	}
	return &m, nil
}
