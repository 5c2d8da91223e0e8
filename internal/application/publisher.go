package application

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/davarch/relpipe/internal/domain"
	"go.uber.org/zap"
)

type PublishRequest struct {
	Tag           domain.Version
	Commit        string
	Title         string
	Artifacts     []domain.Artifact
	GenerateNotes bool
}

// Publisher creates one release per tag. The release host is the source of
// truth for whether a tag has already been published.
type Publisher struct {
	log  *zap.Logger
	host domain.ReleaseHost
}

func NewPublisher(l *zap.Logger, host domain.ReleaseHost) *Publisher {
	return &Publisher{log: l, host: host}
}

func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (domain.ReleaseRecord, error) {
	if _, err := domain.ParseVersion(string(req.Tag)); err != nil {
		return domain.ReleaseRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ReleaseRecord{}, err
	}

	log := p.log.With(zap.String("tag", string(req.Tag)))

	exists, err := p.host.ReleaseExists(ctx, req.Tag)
	if err != nil {
		return domain.ReleaseRecord{}, fmt.Errorf("check release %s: %w", req.Tag, err)
	}
	if exists {
		return domain.ReleaseRecord{}, &domain.ReleaseAlreadyExistsError{Tag: req.Tag}
	}

	title := req.Title
	if title == "" {
		title = string(req.Tag)
	}
	rec, err := p.host.CreateRelease(ctx, domain.ReleaseRequest{
		Tag:           req.Tag,
		Commit:        req.Commit,
		Title:         title,
		Description:   Describe(req.Tag, req.Commit, req.Artifacts),
		GenerateNotes: req.GenerateNotes,
		Prerelease:    req.Tag.Prerelease(),
	})
	if err != nil {
		return domain.ReleaseRecord{}, fmt.Errorf("create release %s: %w", req.Tag, err)
	}
	log.Info("release created", zap.String("id", rec.ID), zap.String("url", rec.URL))

	var (
		ok     []string
		failed []domain.AssetFailure
	)
	for _, a := range req.Artifacts {
		name := filepath.Base(a.Path)
		if err := p.host.UploadAsset(ctx, rec, a); err != nil {
			log.Warn("asset upload failed", zap.String("asset", name), zap.Error(err))
			failed = append(failed, domain.AssetFailure{Name: name, Err: err})
			continue
		}
		log.Info("asset uploaded", zap.String("asset", name), zap.Int64("size", a.Size))
		ok = append(ok, name)
		rec.Artifacts = append(rec.Artifacts, a)
	}

	if len(failed) > 0 {
		return rec, &domain.PublishPartialFailure{Tag: req.Tag, Release: rec, Succeeded: ok, Failed: failed}
	}
	return rec, nil
}

// Describe renders the release body: the commit and a checksum list.
// Commit-history notes are left to the release host.
func Describe(tag domain.Version, commit string, artifacts []domain.Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Release %s", tag)
	if commit != "" {
		fmt.Fprintf(&b, " (commit %s)", commit)
	}
	b.WriteString("\n")
	if len(artifacts) == 0 {
		return b.String()
	}

	b.WriteString("\nArtifacts:\n")
	for _, a := range artifacts {
		fmt.Fprintf(&b, "- %s", filepath.Base(a.Path))
		if a.SHA256 != "" {
			fmt.Fprintf(&b, " sha256:%s", a.SHA256)
		}
		b.WriteString("\n")
	}
	return b.String()
}
