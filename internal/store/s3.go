// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// s3API is the subset of *s3.Client the store calls, narrowed so tests can
// substitute a fake without standing up a real bucket.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures S3Store's connection to an S3-compatible endpoint.
// Endpoint is left empty to use AWS's default resolver; it is set for
// S3-compatible services such as MinIO, which also require path-style
// addressing.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	DefsKey   string // object key for the definitions collection, default "workflow_defs.json"
	RunsKey   string // object key for the runs collection, default "workflow_runs.json"
	PathStyle bool
}

func (c S3Config) defsKey() string {
	if c.DefsKey != "" {
		return c.DefsKey
	}
	return "workflow_defs.json"
}

func (c S3Config) runsKey() string {
	if c.RunsKey != "" {
		return c.RunsKey
	}
	return "workflow_runs.json"
}

// S3Store persists the entire definitions collection and the entire runs
// collection as two JSON objects, replacing the whole object on every write.
// This mirrors a document store more than a row store: it trades write
// amplification (every SaveRun rewrites every run) for a storage backend
// that needs no schema, no locking primitive of its own, and no listing API
// beyond two known keys. A run-per-object layout would cut write
// amplification but then ListRuns needs an S3 list-objects call per request,
// which most S3-compatible deployments throttle harder than GetObject; at
// the run counts this engine targets, whole-collection replace is cheaper.
type S3Store struct {
	client  s3API
	stsAPI  stsAPI
	bucket  string
	defsK   string
	runsK   string

	mu sync.Mutex // serializes read-modify-write; one lock shared by both collections
}

// stsAPI is the subset of *sts.Client HealthCheck calls, narrowed the same
// way s3API is.
type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// NewS3Store builds an S3-backed store from an S3-compatible configuration,
// following the same custom-endpoint-resolver-plus-path-style pattern used
// for MinIO deployments elsewhere in this codebase's lineage.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.Region,
				}, nil
			},
		)
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{
		client: client,
		stsAPI: sts.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		defsK:  cfg.defsKey(),
		runsK:  cfg.runsKey(),
	}, nil
}

// HealthCheck confirms the configured credentials can authenticate against
// AWS (or an S3-compatible endpoint's STS-compatible shim) before the daemon
// starts serving traffic, surfacing a misconfigured AssumeRole or expired
// credential chain as a startup error rather than the first failed request.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.stsAPI.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("store: sts health check: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey"
	}
	return false
}

func (s *S3Store) getCollection(ctx context.Context, key string, out interface{}) error {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("store: get %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("store: read %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) putCollection(ctx context.Context, key string, data interface{}) error {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

// --- definitions ---

func (s *S3Store) readDefs(ctx context.Context) (map[string]*workflowtypes.WorkflowDef, error) {
	defs := map[string]*workflowtypes.WorkflowDef{}
	if err := s.getCollection(ctx, s.defsK, &defs); err != nil {
		return nil, err
	}
	if defs == nil {
		defs = map[string]*workflowtypes.WorkflowDef{}
	}
	return defs, nil
}

func (s *S3Store) ListDefs(ctx context.Context) ([]*workflowtypes.WorkflowDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*workflowtypes.WorkflowDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *S3Store) GetDef(ctx context.Context, id string) (*workflowtypes.WorkflowDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := defs[id]
	if !ok {
		return nil, &wferrors.NotFoundError{Resource: "workflow definition", ID: id}
	}
	return d.Clone(), nil
}

func (s *S3Store) SaveDef(ctx context.Context, def *workflowtypes.WorkflowDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs(ctx)
	if err != nil {
		return err
	}
	defs[def.ID] = def.Clone()
	return s.putCollection(ctx, s.defsK, defs)
}

func (s *S3Store) DeleteDef(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefs(ctx)
	if err != nil {
		return err
	}
	if _, ok := defs[id]; !ok {
		return &wferrors.NotFoundError{Resource: "workflow definition", ID: id}
	}
	delete(defs, id)
	return s.putCollection(ctx, s.defsK, defs)
}

// --- runs ---

func (s *S3Store) readRuns(ctx context.Context) (map[string]*workflowtypes.Run, error) {
	runs := map[string]*workflowtypes.Run{}
	if err := s.getCollection(ctx, s.runsK, &runs); err != nil {
		return nil, err
	}
	if runs == nil {
		runs = map[string]*workflowtypes.Run{}
	}
	return runs, nil
}

func (s *S3Store) GetRun(ctx context.Context, id string) (*workflowtypes.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.readRuns(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := runs[id]
	if !ok {
		return nil, &wferrors.NotFoundError{Resource: "run", ID: id}
	}
	return r.Clone(), nil
}

func (s *S3Store) SaveRun(ctx context.Context, run *workflowtypes.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.readRuns(ctx)
	if err != nil {
		return err
	}
	runs[run.ID] = run.Clone()
	return s.putCollection(ctx, s.runsK, runs)
}

func (s *S3Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.readRuns(ctx)
	if err != nil {
		return err
	}
	if _, ok := runs[id]; !ok {
		return &wferrors.NotFoundError{Resource: "run", ID: id}
	}
	delete(runs, id)
	return s.putCollection(ctx, s.runsK, runs)
}

func (s *S3Store) ListRuns(ctx context.Context, filter workflowtypes.RunFilter) ([]workflowtypes.RunSummary, error) {
	s.mu.Lock()
	runs, err := s.readRuns(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]workflowtypes.RunSummary, 0, len(runs))
	for _, r := range runs {
		sum := workflowtypes.Summarize(r)
		if !matchesFilter(sum, filter) {
			continue
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
