// Package phases assembles the import phases from configuration: which
// legacy source each phase reads, which mapper normalizes it and which hook
// runs before its records are written.
package phases

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/clinic/importer/internal/config"
	"github.com/clinic/importer/internal/importer/normalize"
	"github.com/clinic/importer/internal/importer/pipeline"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/legacy"
)

// ErrUnknownPhase is returned for phase names that do not exist.
var ErrUnknownPhase = errors.New("unknown phase")

// Order lists the importable types in the order they must run. Image
// batches are not a phase of their own; the images phase creates them.
var Order = []*store.EntityType{
	store.Settings,
	store.Clinics,
	store.Clinicians,
	store.FundingSources,
	store.Patients,
	store.Appointments,
	store.Notes,
	store.Images,
	store.Documents,
}

// Names returns the phase names in run order.
func Names() []string {
	out := make([]string, len(Order))
	for i, et := range Order {
		out[i] = et.Name
	}
	return out
}

// Select resolves phase names, or "all", into types in run order. Duplicates
// collapse.
func Select(names []string) ([]*store.EntityType, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("no phase given; choose from %s or all", strings.Join(Names(), ", "))
	}
	want := map[*store.EntityType]bool{}
	for _, name := range names {
		if strings.EqualFold(name, "all") {
			return Order, nil
		}
		et := byName(name)
		if et == nil {
			return nil, errors.Wrapf(ErrUnknownPhase, "%q (choose from %s or all)", name, strings.Join(Names(), ", "))
		}
		want[et] = true
	}
	var out []*store.EntityType
	for _, et := range Order {
		if want[et] {
			out = append(out, et)
		}
	}
	return out, nil
}

func byName(name string) *store.EntityType {
	for _, et := range Order {
		if strings.EqualFold(et.Name, name) || strings.EqualFold(et.Table, name) {
			return et
		}
	}
	return nil
}

// File points a phase at an exported file instead of the legacy API.
type File struct {
	Path      string
	Sheet     string
	KeyColumn string
}

// Source returns the reader for the file's format, chosen by extension.
func (f File) Source() (legacy.Source, error) {
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".xlsx", ".xlsm":
		return &legacy.Spreadsheet{Path: f.Path, Sheet: f.Sheet, KeyColumn: f.KeyColumn}, nil
	case ".csv":
		return &legacy.CSV{Path: f.Path, KeyColumn: f.KeyColumn}, nil
	case ".json":
		return &legacy.JSONDump{Path: f.Path}, nil
	}
	return nil, errors.Errorf("unsupported file type %q: use .xlsx, .csv or .json", filepath.Ext(f.Path))
}

// Builder creates phases.
type Builder struct {
	Config     *config.Config
	Normalizer *normalize.Normalizer
	// Client serves phases without a file. May be nil when every phase
	// built reads a file.
	Client *legacy.Client
	// Attachments runs for the images and documents phases.
	Attachments pipeline.Hook
	// Files maps phase types to exported files that replace the API.
	Files map[*store.EntityType]File
}

// NewNormalizer builds the normalizer from configured lookup tables, date
// layout and timezone.
func NewNormalizer(cfg *config.Config) (*normalize.Normalizer, error) {
	tables, err := normalize.LoadTables(cfg.LookupTables)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.LegacyTimezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", cfg.LegacyTimezone)
	}
	return normalize.New(tables, cfg.LegacyDateLayout, loc), nil
}

// NewClient builds the legacy API client from configuration.
func NewClient(cfg *config.Config) (*legacy.Client, error) {
	return legacy.NewClient(legacy.Options{
		BaseURL:  cfg.LegacyBaseURL,
		Database: cfg.LegacyDatabase,
		Dialect:  cfg.LegacyDialect,
		Auth:     cfg.LegacyAuth,
		Username: cfg.LegacyUsername,
		Password: cfg.LegacyPassword,
		PageSize: cfg.LegacyPageSize,
		Timeout:  cfg.LegacyTimeout,
	})
}

// NeedsClient reports whether building ets requires the legacy API.
func (b *Builder) NeedsClient(ets []*store.EntityType) bool {
	for _, et := range ets {
		if _, ok := b.Files[et]; ok || et == store.Settings {
			continue
		}
		return true
	}
	return false
}

// Build returns the phases for ets, in the order given.
func (b *Builder) Build(ets []*store.EntityType) ([]pipeline.Phase, error) {
	out := make([]pipeline.Phase, 0, len(ets))
	for _, et := range ets {
		p, err := b.Phase(et)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Phase returns the phase for et.
func (b *Builder) Phase(et *store.EntityType) (pipeline.Phase, error) {
	mapper, ok := b.Normalizer.For(et)
	if !ok {
		return pipeline.Phase{}, errors.Wrap(ErrUnknownPhase, et.Name)
	}
	src, err := b.source(et)
	if err != nil {
		return pipeline.Phase{}, err
	}
	p := pipeline.Phase{
		Entity:        et,
		Source:        src,
		Map:           mapper,
		ProgressEvery: b.Config.ProgressEvery,
	}
	if et == store.Images || et == store.Documents {
		p.Hook = b.Attachments
	}
	return p, nil
}

func (b *Builder) source(et *store.EntityType) (legacy.Source, error) {
	if f, ok := b.Files[et]; ok {
		return f.Source()
	}
	// The default sender lives in configuration, not in the legacy system.
	if et == store.Settings {
		return &legacy.Static{
			Name:    "config",
			Records: []legacy.Record{normalize.MessagingRecord(b.Config.Messaging())},
		}, nil
	}
	if b.Client == nil {
		return nil, errors.Errorf("phase %s needs the legacy API: set LEGACY_BASE_URL or pass --file", et.Name)
	}
	return b.Client.Source(b.Config.LayoutFor(et.Name)), nil
}
