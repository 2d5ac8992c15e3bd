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
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wferrors "github.com/tombee/workflowengine/pkg/errors"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// fakeS3 is an in-memory stand-in for the narrow s3API surface, so S3Store
// can be exercised without a real bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

type noSuchKeyError struct{}

func (noSuchKeyError) Error() string                 { return "NoSuchKey: the object does not exist" }
func (noSuchKeyError) ErrorCode() string             { return "NoSuchKey" }
func (noSuchKeyError) ErrorMessage() string          { return "the object does not exist" }
func (noSuchKeyError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, noSuchKeyError{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func newTestS3Store() *S3Store {
	return &S3Store{
		client: newFakeS3(),
		bucket: "test-bucket",
		defsK:  "workflow_defs.json",
		runsK:  "workflow_runs.json",
	}
}

func TestS3Store_DefRoundTrip(t *testing.T) {
	s := newTestS3Store()
	ctx := context.Background()

	def := &workflowtypes.WorkflowDef{ID: "wf-1", Name: "demo"}
	require.NoError(t, s.SaveDef(ctx, def))

	got, err := s.GetDef(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)

	all, err := s.ListDefs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteDef(ctx, "wf-1"))
	_, err = s.GetDef(ctx, "wf-1")
	var nf *wferrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestS3Store_GetDef_EmptyCollectionIsNotFound(t *testing.T) {
	s := newTestS3Store()
	_, err := s.GetDef(context.Background(), "missing")
	var nf *wferrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestS3Store_RunRoundTrip(t *testing.T) {
	s := newTestS3Store()
	ctx := context.Background()

	run := &workflowtypes.Run{
		ID:         "run-1",
		WorkflowID: "wf-1",
		Status:     workflowtypes.RunStatusRunning,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflowtypes.RunStatusRunning, got.Status)

	require.NoError(t, s.DeleteRun(ctx, "run-1"))
	_, err = s.GetRun(ctx, "run-1")
	var nf *wferrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestS3Store_ListRuns_Filter(t *testing.T) {
	s := newTestS3Store()
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, &workflowtypes.Run{
		ID: "run-1", WorkflowID: "wf-a", Status: workflowtypes.RunStatusRunning, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveRun(ctx, &workflowtypes.Run{
		ID: "run-2", WorkflowID: "wf-b", Status: workflowtypes.RunStatusCompleted, CreatedAt: time.Now(),
	}))

	byWorkflow, err := s.ListRuns(ctx, workflowtypes.RunFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)
	assert.Equal(t, "run-1", byWorkflow[0].ID)
}

func TestS3Store_SaveRun_WholeCollectionReplace(t *testing.T) {
	s := newTestS3Store()
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, &workflowtypes.Run{ID: "run-1", CreatedAt: time.Now()}))
	require.NoError(t, s.SaveRun(ctx, &workflowtypes.Run{ID: "run-2", CreatedAt: time.Now()}))

	all, err := s.ListRuns(ctx, workflowtypes.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "a second SaveRun must not clobber the first run's entry in the collection")
}

type fakeSTS struct {
	err error
}

func (f *fakeSTS) GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

func TestS3Store_HealthCheck(t *testing.T) {
	s := newTestS3Store()
	s.stsAPI = &fakeSTS{}
	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestS3Store_HealthCheck_Failure(t *testing.T) {
	s := newTestS3Store()
	s.stsAPI = &fakeSTS{err: errors.New("access denied")}
	assert.Error(t, s.HealthCheck(context.Background()))
}
