package dataload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/icdbridge/icdbridge/internal/domain/comorbidity"
	"github.com/icdbridge/icdbridge/internal/domain/mapping"
	"github.com/icdbridge/icdbridge/internal/domain/terminology"
	"github.com/icdbridge/icdbridge/internal/platform/snapshot"
)

// Canonical file names under the data source.
const (
	FileICD10Codes  = "icd10cm_codes.txt"
	FileGEMForward  = "icd9_to_icd10_gem.txt"
	FileGEMBackward = "icd10_to_icd9_gem.txt"
	FileElixhauser  = "elixhauser.json"
	FileCharlson    = "charlson.yaml"

	// Optional: a source without them loads with an empty HCC overlay.
	FileHCCMappings   = "hcc_mappings.csv"
	FileHCCCategories = "hcc_categories.yaml"
)

// Loader builds complete snapshots from a Source. Either every file parses
// and a snapshot is returned, or an error is returned and nothing is built.
type Loader struct {
	src       Source
	familyLen int
	logger    zerolog.Logger
}

func NewLoader(src Source, familyLen int, logger zerolog.Logger) *Loader {
	return &Loader{src: src, familyLen: familyLen, logger: logger}
}

type parsed struct {
	codes      []CodeRow
	forward    []mapping.Edge
	backward   []mapping.Edge
	elixhauser map[string]ElixhauserEntry
	charlson   []comorbidity.ScoredAssignment
	hcc        []HCCRow
	hccCats    []comorbidity.HCCCategory
}

// Load reads and parses every file concurrently, then builds the catalog,
// the mapping store and the overlays in that order.
func (l *Loader) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	start := time.Now()
	var p parsed

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		return l.read(gctx, FileICD10Codes, func(r io.Reader) error {
			p.codes, err = ParseCodes(FileICD10Codes, r)
			return err
		})
	})
	g.Go(func() (err error) {
		return l.read(gctx, FileGEMForward, func(r io.Reader) error {
			p.forward, err = ParseGEM(FileGEMForward, r, terminology.ICD9, terminology.ICD10)
			return err
		})
	})
	g.Go(func() (err error) {
		return l.read(gctx, FileGEMBackward, func(r io.Reader) error {
			p.backward, err = ParseGEM(FileGEMBackward, r, terminology.ICD10, terminology.ICD9)
			return err
		})
	})
	g.Go(func() (err error) {
		return l.read(gctx, FileElixhauser, func(r io.Reader) error {
			p.elixhauser, err = ParseElixhauser(FileElixhauser, r)
			return err
		})
	})
	g.Go(func() (err error) {
		return l.read(gctx, FileCharlson, func(r io.Reader) error {
			p.charlson, err = ParseCharlson(FileCharlson, r)
			return err
		})
	})
	g.Go(func() (err error) {
		return l.readOptional(gctx, FileHCCMappings, func(r io.Reader) error {
			p.hcc, err = ParseHCCMappings(FileHCCMappings, r)
			return err
		})
	})
	g.Go(func() (err error) {
		return l.readOptional(gctx, FileHCCCategories, func(r io.Reader) error {
			p.hccCats, err = ParseHCCCategories(FileHCCCategories, r)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	catalog, err := l.buildCatalog(&p)
	if err != nil {
		return nil, err
	}
	mappings, err := l.buildMappings(catalog, &p)
	if err != nil {
		return nil, err
	}
	overlays, err := buildOverlays(&p)
	if err != nil {
		return nil, err
	}

	s := &snapshot.Snapshot{
		Catalog:  catalog,
		Mappings: mappings,
		Overlays: overlays,
		LoadedAt: time.Now().UTC(),
		Source:   l.src.String(),
	}
	stats := mappings.Stats()
	l.logger.Info().
		Str("source", l.src.String()).
		Int("icd10_codes", catalog.Count(terminology.ICD10)).
		Int("icd9_codes", catalog.Count(terminology.ICD9)).
		Int("forward_edges", stats.Edges[terminology.ICD9]).
		Int("backward_edges", stats.Edges[terminology.ICD10]).
		Int("skipped_unknown_target", stats.SkippedUnknownTarget).
		Int("skipped_duplicate", stats.SkippedDuplicate).
		Int("hcc_codes", len(p.hcc)).
		Dur("took", time.Since(start)).
		Msg("reference data loaded")
	return s, nil
}

func (l *Loader) read(ctx context.Context, name string, parse func(io.Reader) error) error {
	rc, err := l.src.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	if err := parse(rc); err != nil {
		return err
	}
	l.logger.Debug().Str("file", name).Msg("reference file parsed")
	return nil
}

func (l *Loader) readOptional(ctx context.Context, name string, parse func(io.Reader) error) error {
	err := l.read(ctx, name, parse)
	if errors.Is(err, ErrMissingFile) {
		l.logger.Info().Str("file", name).Msg("optional reference file not present")
		return nil
	}
	return err
}

// buildCatalog registers ICD-10-CM codes from the code list and ICD-9-CM
// codes from both GEM files; ICD-9-CM has no separate code list.
func (l *Loader) buildCatalog(p *parsed) (*terminology.Catalog, error) {
	b := terminology.NewCatalogBuilder()
	for _, row := range p.codes {
		if err := b.Add(terminology.ICD10, row.Code, row.Description); err != nil {
			return nil, fmt.Errorf("%s: %w", FileICD10Codes, err)
		}
	}
	for _, e := range p.forward {
		if err := b.Add(terminology.ICD9, e.SourceCode, ""); err != nil {
			return nil, fmt.Errorf("%s: %w", FileGEMForward, err)
		}
	}
	for _, e := range p.backward {
		if e.NoMap {
			continue
		}
		if err := b.Add(terminology.ICD9, e.TargetCode, ""); err != nil {
			return nil, fmt.Errorf("%s: %w", FileGEMBackward, err)
		}
	}
	if n := b.Duplicates(); n > 0 {
		l.logger.Debug().Int("duplicates", n).Msg("duplicate catalog entries merged")
	}
	return b.Build(), nil
}

func (l *Loader) buildMappings(catalog *terminology.Catalog, p *parsed) (*mapping.Store, error) {
	b := mapping.NewBuilder(catalog, l.familyLen, l.logger)
	for _, list := range [][]mapping.Edge{p.forward, p.backward} {
		for _, e := range list {
			if err := b.Add(e); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}

func buildOverlays(p *parsed) (*comorbidity.Store, error) {
	b := comorbidity.NewBuilder()
	for code, entry := range p.elixhauser {
		for _, cat := range entry.Comorbidities {
			if err := b.AddFlag(code, cat); err != nil {
				return nil, fmt.Errorf("%s: %w", FileElixhauser, err)
			}
		}
	}
	for _, row := range p.charlson {
		if err := b.AddScore(row); err != nil {
			return nil, fmt.Errorf("%s: %w", FileCharlson, err)
		}
	}
	for _, row := range p.hcc {
		if err := b.AddHCC(row.Code, row.Description, row.Category); err != nil {
			return nil, fmt.Errorf("%s: %w", FileHCCMappings, err)
		}
	}
	for _, c := range p.hccCats {
		if err := b.AddHCCCategory(c); err != nil {
			return nil, fmt.Errorf("%s: %w", FileHCCCategories, err)
		}
	}
	return b.Build(), nil
}
