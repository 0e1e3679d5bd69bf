// Package resolver obtains the model and feature schema the gateway serves,
// preferring the remote registry and object store and falling back to
// files bundled with the service.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
	"github.com/pspedro19/PredicciondelClimaAPI/registry"
	"github.com/pspedro19/PredicciondelClimaAPI/storage"
)

const (
	SchemeAlias = "alias"
	SchemeStage = "stage"
)

// ModelRef addresses a registered model by alias or by stage.
type ModelRef struct {
	Name   string
	Scheme string
	Value  string
}

func (r ModelRef) String() string {
	if r.Scheme == SchemeStage {
		return fmt.Sprintf("%s/%s", r.Name, r.Value)
	}
	return fmt.Sprintf("%s@%s", r.Name, r.Value)
}

// VersionLookup finds registered model versions by alias or stage.
type VersionLookup interface {
	VersionByAlias(ctx context.Context, name, alias string) (registry.ModelVersion, error)
	LatestVersionByStage(ctx context.Context, name, stage string) (registry.ModelVersion, error)
}

// ArtifactFetcher downloads a model artifact by URI.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// ModelHandle is a resolved classifier. Version is 0 exactly when Origin is
// loader.OriginLocalFallback.
type ModelHandle struct {
	Classifier ml.Classifier
	Version    int
	Origin     loader.Origin
	Source     string
}

// ModelResolver loads the served model from the registry, falling back to
// a local artifact.
type ModelResolver struct {
	Ref          ModelRef
	Registry     VersionLookup
	Artifacts    ArtifactFetcher
	ArtifactFile string
	LocalPath    string
	Options      loader.Options
	Logger       *zap.Logger
}

// Resolve returns the registry model, or the local artifact when the
// registry path fails. It errors only when both are unusable.
func (r *ModelResolver) Resolve(ctx context.Context) (ModelHandle, error) {
	opts := r.Options
	opts.Resource = "model " + r.Ref.String()
	if opts.Logger == nil {
		opts.Logger = r.Logger
	}
	opts.Discard = func(v any) {
		if h, ok := v.(ModelHandle); ok {
			ml.Release(h.Classifier)
		}
	}
	handle, origin, err := loader.Load(ctx, r.fromRegistry, r.fromLocal, opts)
	if err != nil {
		return ModelHandle{}, err
	}
	if r.Logger != nil {
		r.Logger.Info("model resolved",
			zap.String("model", r.Ref.String()),
			zap.Int("version", handle.Version),
			zap.String("origin", string(origin)),
			zap.String("source", handle.Source))
	}
	return handle, nil
}

func (r *ModelResolver) fromRegistry(ctx context.Context) (ModelHandle, error) {
	if r.Registry == nil || r.Artifacts == nil {
		return ModelHandle{}, errors.New("model registry not configured")
	}

	var (
		version registry.ModelVersion
		err     error
	)
	switch r.Ref.Scheme {
	case SchemeAlias:
		version, err = r.Registry.VersionByAlias(ctx, r.Ref.Name, r.Ref.Value)
	case SchemeStage:
		version, err = r.Registry.LatestVersionByStage(ctx, r.Ref.Name, r.Ref.Value)
	default:
		return ModelHandle{}, fmt.Errorf("unknown lookup scheme %q", r.Ref.Scheme)
	}
	if err != nil {
		return ModelHandle{}, fmt.Errorf("lookup %s: %w", r.Ref, err)
	}
	if version.Version < 1 {
		return ModelHandle{}, fmt.Errorf("registry reported version %d for %s", version.Version, r.Ref)
	}

	uri := artifactURI(version.Source, r.ArtifactFile)
	data, err := r.Artifacts.Fetch(ctx, uri)
	if err != nil {
		return ModelHandle{}, fmt.Errorf("fetch artifact %s: %w", uri, err)
	}
	classifier, err := ml.DecodeArtifact(uri, data)
	if err != nil {
		return ModelHandle{}, fmt.Errorf("decode artifact %s: %w", uri, err)
	}
	return ModelHandle{
		Classifier: classifier,
		Version:    version.Version,
		Origin:     loader.OriginRegistry,
		Source:     uri,
	}, nil
}

func (r *ModelResolver) fromLocal(ctx context.Context) (ModelHandle, error) {
	classifier, err := ml.LoadArtifact(r.LocalPath)
	if err != nil {
		return ModelHandle{}, fmt.Errorf("load local artifact: %w", err)
	}
	return ModelHandle{
		Classifier: classifier,
		Version:    0,
		Origin:     loader.OriginLocalFallback,
		Source:     r.LocalPath,
	}, nil
}

// artifactURI points at the artifact file inside the version's source
// directory unless the source already names a file with that extension.
func artifactURI(source, file string) string {
	if file == "" || path.Ext(source) == path.Ext(file) && path.Ext(file) != "" {
		return source
	}
	return storage.JoinURI(source, file)
}
