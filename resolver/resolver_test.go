package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
	"github.com/pspedro19/PredicciondelClimaAPI/registry"
)

var weatherColumns = []string{"Sunshine", "Humidity9am", "Humidity3pm", "Cloud9am", "Cloud3pm"}

type fakeRegistry struct {
	version registry.ModelVersion
	err     error
	alias   string
	stage   string
}

func (f *fakeRegistry) VersionByAlias(ctx context.Context, name, alias string) (registry.ModelVersion, error) {
	f.alias = alias
	return f.version, f.err
}

func (f *fakeRegistry) LatestVersionByStage(ctx context.Context, name, stage string) (registry.ModelVersion, error) {
	f.stage = stage
	return f.version, f.err
}

type fakeObjects struct {
	objects map[string][]byte
	err     error
	block   bool
}

func (f *fakeObjects) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[uri]
	if !ok {
		return nil, errors.New("no such object " + uri)
	}
	return data, nil
}

func (f *fakeObjects) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return f.Fetch(ctx, "s3://"+bucket+"/"+key)
}

// constantPipeline always predicts label.
func constantPipeline(t *testing.T, label int) []byte {
	t.Helper()
	p := ml.Pipeline{
		Format:   ml.FormatDecisionTree,
		Features: weatherColumns,
		Tree: &ml.DecisionTree{
			Criterion: ml.CriterionGini,
			MaxDepth:  1,
			Nodes:     []ml.TreeNode{{IsLeaf: true, ClassLabel: label, Confidence: 1}},
		},
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func predict(t *testing.T, c ml.Classifier) bool {
	t.Helper()
	label, err := c.Predict([]float64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	return label
}

func TestModelResolverRegistry(t *testing.T) {
	reg := &fakeRegistry{version: registry.ModelVersion{Name: "rain", Version: 4, Source: "s3://mlflow/1/run/artifacts/model"}}
	objects := &fakeObjects{objects: map[string][]byte{
		"s3://mlflow/1/run/artifacts/model/model.json": constantPipeline(t, 1),
	}}
	r := &ModelResolver{
		Ref:          ModelRef{Name: "rain", Scheme: SchemeAlias, Value: "champion"},
		Registry:     reg,
		Artifacts:    objects,
		ArtifactFile: "model.json",
		LocalPath:    filepath.Join(t.TempDir(), "missing.json"),
	}
	handle, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.Origin != loader.OriginRegistry || handle.Version != 4 {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if reg.alias != "champion" {
		t.Fatalf("expected alias lookup, got %q", reg.alias)
	}
	if !predict(t, handle.Classifier) {
		t.Fatal("expected registry model to predict rain")
	}
}

func TestModelResolverStageLookup(t *testing.T) {
	reg := &fakeRegistry{version: registry.ModelVersion{Version: 2, Source: "s3://mlflow/2/model.json"}}
	objects := &fakeObjects{objects: map[string][]byte{"s3://mlflow/2/model.json": constantPipeline(t, 0)}}
	r := &ModelResolver{
		Ref:          ModelRef{Name: "rain", Scheme: SchemeStage, Value: "Production"},
		Registry:     reg,
		Artifacts:    objects,
		ArtifactFile: "model.json",
	}
	handle, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.stage != "Production" || handle.Version != 2 {
		t.Fatalf("unexpected lookup stage=%q handle=%+v", reg.stage, handle)
	}
}

func TestModelResolverFallsBackWhenRegistryDown(t *testing.T) {
	local := writeFile(t, t.TempDir(), "model.json", constantPipeline(t, 0))
	r := &ModelResolver{
		Ref:          ModelRef{Name: "rain", Scheme: SchemeAlias, Value: "champion"},
		Registry:     &fakeRegistry{err: errors.New("connection refused")},
		Artifacts:    &fakeObjects{},
		ArtifactFile: "model.json",
		LocalPath:    local,
	}
	handle, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.Origin != loader.OriginLocalFallback || handle.Version != 0 {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if predict(t, handle.Classifier) {
		t.Fatal("expected local model to predict no rain")
	}
}

func TestModelResolverFallsBackOnCorruptArtifact(t *testing.T) {
	local := writeFile(t, t.TempDir(), "model.json", constantPipeline(t, 1))
	r := &ModelResolver{
		Ref:          ModelRef{Name: "rain", Scheme: SchemeAlias, Value: "champion"},
		Registry:     &fakeRegistry{version: registry.ModelVersion{Version: 9, Source: "s3://mlflow/9"}},
		Artifacts:    &fakeObjects{objects: map[string][]byte{"s3://mlflow/9/model.json": []byte("{broken")}},
		ArtifactFile: "model.json",
		LocalPath:    local,
	}
	handle, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.Origin != loader.OriginLocalFallback {
		t.Fatalf("expected fallback, got %s", handle.Origin)
	}
}

func TestModelResolverFallsBackOnHungStorage(t *testing.T) {
	local := writeFile(t, t.TempDir(), "model.json", constantPipeline(t, 1))
	r := &ModelResolver{
		Ref:          ModelRef{Name: "rain", Scheme: SchemeAlias, Value: "champion"},
		Registry:     &fakeRegistry{version: registry.ModelVersion{Version: 9, Source: "s3://mlflow/9"}},
		Artifacts:    &fakeObjects{block: true},
		ArtifactFile: "model.json",
		LocalPath:    local,
		Options:      loader.Options{PrimaryTimeout: 20 * time.Millisecond},
	}
	handle, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.Origin != loader.OriginLocalFallback || handle.Version != 0 {
		t.Fatalf("unexpected handle %+v", handle)
	}
}

func TestModelResolverBothUnavailable(t *testing.T) {
	r := &ModelResolver{
		Ref:       ModelRef{Name: "rain", Scheme: SchemeAlias, Value: "champion"},
		Registry:  &fakeRegistry{err: errors.New("connection refused")},
		Artifacts: &fakeObjects{},
		LocalPath: filepath.Join(t.TempDir(), "model.json"),
	}
	_, err := r.Resolve(context.Background())
	var unavailable *loader.ResourceUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ResourceUnavailable, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected local cause to be preserved, got %v", err)
	}
}

func TestModelResolverWithoutRegistry(t *testing.T) {
	local := writeFile(t, t.TempDir(), "model.json", constantPipeline(t, 1))
	r := &ModelResolver{Ref: ModelRef{Name: "rain", Scheme: SchemeAlias, Value: "champion"}, LocalPath: local}
	handle, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.Origin != loader.OriginLocalFallback {
		t.Fatalf("unexpected origin %s", handle.Origin)
	}
}

func TestArtifactURI(t *testing.T) {
	tests := []struct {
		source, file, want string
	}{
		{"s3://mlflow/1/run/artifacts/model", "model.json", "s3://mlflow/1/run/artifacts/model/model.json"},
		{"s3://mlflow/1/run/artifacts/model/", "model.json", "s3://mlflow/1/run/artifacts/model/model.json"},
		{"s3://mlflow/1/model.json", "model.json", "s3://mlflow/1/model.json"},
		{"s3://mlflow/1/model", "", "s3://mlflow/1/model"},
	}
	for _, tt := range tests {
		if got := artifactURI(tt.source, tt.file); got != tt.want {
			t.Errorf("artifactURI(%q, %q) = %q, want %q", tt.source, tt.file, got, tt.want)
		}
	}
}

func TestSchemaResolverStorage(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{
		"s3://data/data_info/columns.json": []byte(`{"columns": ["Sunshine", "Humidity9am", "Humidity3pm", "Cloud9am", "Cloud3pm", "RainToday"]}`),
	}}
	r := &SchemaResolver{Bucket: "data", Key: "data_info/columns.json", LabelColumn: "RainToday", Objects: objects}
	schema, origin, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if origin != loader.OriginRegistry {
		t.Fatalf("unexpected origin %s", origin)
	}
	if !reflect.DeepEqual(schema.Names(), weatherColumns) {
		t.Fatalf("unexpected schema %v", schema.Names())
	}
}

func TestSchemaResolverFallbackMatchesRemote(t *testing.T) {
	doc := []byte(`{"columns": ["Sunshine", "Humidity9am", "Humidity3pm", "Cloud9am", "Cloud3pm", "RainToday"]}`)
	local := writeFile(t, t.TempDir(), "columns.json", doc)

	remote := &SchemaResolver{Bucket: "data", Key: "k", LabelColumn: "RainToday", LocalPath: local,
		Objects: &fakeObjects{objects: map[string][]byte{"s3://data/k": doc}}}
	fallback := &SchemaResolver{Bucket: "data", Key: "k", LabelColumn: "RainToday", LocalPath: local,
		Objects: &fakeObjects{err: errors.New("access denied")}}

	a, _, err := remote.Resolve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, origin, err := fallback.Resolve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if origin != loader.OriginLocalFallback {
		t.Fatalf("unexpected origin %s", origin)
	}
	if !reflect.DeepEqual(a.Names(), b.Names()) {
		t.Fatalf("fallback schema %v differs from remote %v", b.Names(), a.Names())
	}
}

func TestSchemaResolverMalformedRemote(t *testing.T) {
	local := writeFile(t, t.TempDir(), "columns.json", []byte(`{"columns": ["Sunshine", "Cloud3pm"]}`))
	r := &SchemaResolver{Bucket: "data", Key: "k", LocalPath: local,
		Objects: &fakeObjects{objects: map[string][]byte{"s3://data/k": []byte(`{"cols": []}`)}}}
	schema, origin, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if origin != loader.OriginLocalFallback || schema.Len() != 2 {
		t.Fatalf("unexpected schema %v from %s", schema.Names(), origin)
	}
}

func TestSchemaResolverBothUnavailable(t *testing.T) {
	r := &SchemaResolver{Bucket: "data", Key: "k", LocalPath: filepath.Join(t.TempDir(), "none.json"),
		Objects: &fakeObjects{err: errors.New("no route to host")}}
	_, _, err := r.Resolve(context.Background())
	var unavailable *loader.ResourceUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ResourceUnavailable, got %v", err)
	}
}

func TestWatchFilesDebounces(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "model.json", []byte("{}"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- WatchFiles(ctx, []string{path}, 50*time.Millisecond, nil, func() { changes <- struct{}{} })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(`{"n":1}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, dir, "unrelated.txt", []byte("x"))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case <-changes:
		t.Fatal("burst should collapse into one callback")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
