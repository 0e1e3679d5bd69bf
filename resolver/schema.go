package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
)

// ObjectGetter reads one object from a bucket.
type ObjectGetter interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// SchemaResolver loads the feature schema from object storage, falling back
// to a local columns file.
type SchemaResolver struct {
	Bucket      string
	Key         string
	LocalPath   string
	LabelColumn string
	Objects     ObjectGetter
	Options     loader.Options
	Logger      *zap.Logger
}

// Resolve returns the feature schema from object storage, or from the local
// copy when the remote read or parse fails.
func (r *SchemaResolver) Resolve(ctx context.Context) (ml.FeatureSchema, loader.Origin, error) {
	opts := r.Options
	opts.Resource = fmt.Sprintf("feature schema s3://%s/%s", r.Bucket, r.Key)
	if opts.Logger == nil {
		opts.Logger = r.Logger
	}
	schema, origin, err := loader.Load(ctx, r.fromStorage, r.fromLocal, opts)
	if err != nil {
		return ml.FeatureSchema{}, "", err
	}
	if r.Logger != nil {
		r.Logger.Info("feature schema resolved",
			zap.Strings("features", schema.Names()),
			zap.String("origin", string(origin)))
	}
	return schema, origin, nil
}

func (r *SchemaResolver) fromStorage(ctx context.Context) (ml.FeatureSchema, error) {
	if r.Objects == nil {
		return ml.FeatureSchema{}, errors.New("object storage not configured")
	}
	data, err := r.Objects.Get(ctx, r.Bucket, r.Key)
	if err != nil {
		return ml.FeatureSchema{}, err
	}
	return ml.ParseSchema(data, r.LabelColumn)
}

func (r *SchemaResolver) fromLocal(ctx context.Context) (ml.FeatureSchema, error) {
	data, err := os.ReadFile(r.LocalPath)
	if err != nil {
		return ml.FeatureSchema{}, fmt.Errorf("read local schema: %w", err)
	}
	return ml.ParseSchema(data, r.LabelColumn)
}
