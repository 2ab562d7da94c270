package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"strings"

	sessionguard "github.com/goliatone/go-sessionguard"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// treeRoot is where the embedded schema lives inside the module filesystem.
// The sqlite alternatives sit in a subdirectory of the postgres tree.
const treeRoot = "data/sql/migrations"

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

func (r Registration) validate() error {
	if strings.TrimSpace(r.SourceLabel) == "" {
		return fmt.Errorf("migrations: source label is required")
	}
	if len(r.ValidationTargets) == 0 {
		return fmt.Errorf("migrations: validation targets are required")
	}
	if len(r.Filesystems) == 0 {
		return fmt.Errorf("migrations: filesystems are required")
	}
	return nil
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithDialectSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if next := dedupe(targets); len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

func WithFilesystems(filesystems ...FilesystemSpec) Option {
	return func(r *Registration) {
		copied := make([]FilesystemSpec, 0, len(filesystems))
		for _, fsys := range filesystems {
			dialect := strings.TrimSpace(strings.ToLower(fsys.Dialect))
			if dialect == "" || fsys.FS == nil {
				continue
			}
			copied = append(copied, FilesystemSpec{
				Dialect: dialect,
				Path:    fsys.Path,
				FS:      fsys.FS,
			})
		}
		if len(copied) > 0 {
			r.Filesystems = copied
		}
	}
}

// Filesystems resolves the per-dialect schema trees from the embedded
// migration filesystem, or from an override when the host ships its own.
// Every resolved tree must contain at least one up migration.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := sessionguard.GetCoreMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}

	base, basePath, err := resolveTree(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: basePath, FS: base},
		{Dialect: DialectSQLite, Path: joinPath(basePath, "sqlite"), FS: sqliteFS},
	}
	for _, fsys := range filesystems {
		names, globErr := upMigrations(fsys.FS)
		if globErr != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", fsys.Dialect, fsys.Path, globErr)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", fsys.Dialect, fsys.Path)
		}
	}
	return filesystems, nil
}

// Plan returns the ordered up-migration names per dialect, for hosts that
// log or verify the schema steps before running them.
func Plan(sources ...fs.FS) (map[string][]string, error) {
	filesystems, err := Filesystems(sources...)
	if err != nil {
		return nil, err
	}
	plan := make(map[string][]string, len(filesystems))
	for _, fsys := range filesystems {
		names, globErr := upMigrations(fsys.FS)
		if globErr != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", fsys.Dialect, fsys.Path, globErr)
		}
		plan[fsys.Dialect] = names
	}
	return plan, nil
}

// Register resolves the embedded schema trees and hands each validation
// target's filesystem to registerFn, which binds it to the host's migration
// runner.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       "go-sessionguard",
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems

	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	if err := reg.validate(); err != nil {
		return reg, err
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	targets := dedupe(reg.ValidationTargets)
	for _, fsys := range reg.Filesystems {
		if !slices.Contains(targets, fsys.Dialect) {
			continue
		}
		if fsys.FS == nil {
			return reg, fmt.Errorf("migrations: filesystem for %s is nil", fsys.Dialect)
		}
		if err := registerFn(ctx, fsys.Dialect, reg.SourceLabel, fsys.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", fsys.Dialect, fsys.Path, err)
		}
	}
	return reg, nil
}

func upMigrations(fsys fs.FS) ([]string, error) {
	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// resolveTree accepts either the module root filesystem or a tree already
// rooted at the migration directory.
func resolveTree(root fs.FS) (fs.FS, string, error) {
	sub, err := fs.Sub(root, treeRoot)
	if err == nil {
		return sub, treeRoot, nil
	}

	entries, readErr := fs.ReadDir(root, ".")
	if readErr == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
				return root, ".", nil
			}
		}
	}
	return nil, "", fmt.Errorf("migrations: %s not found: %w", treeRoot, err)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(strings.ToLower(value))
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func joinPath(base string, suffix string) string {
	if base == "." {
		return suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}
