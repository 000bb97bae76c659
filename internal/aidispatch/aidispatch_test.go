package aidispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"centinela/internal/aiclient"
	"centinela/internal/model"
)

type fakeStore struct {
	tenants    []string
	detections map[string][]model.Detection
}

func (s *fakeStore) TenantsWithOpenDetections(ctx context.Context) ([]string, error) {
	return s.tenants, nil
}
func (s *fakeStore) OpenDetectionsForTenant(ctx context.Context, tenantID string) ([]model.Detection, error) {
	return s.detections[tenantID], nil
}
func (s *fakeStore) NormalizedEventsByIDs(ctx context.Context, ids []string) ([]model.NormalizedEvent, error) {
	out := make([]model.NormalizedEvent, len(ids))
	for i, id := range ids {
		out[i] = model.NormalizedEvent{ID: id}
	}
	return out, nil
}
func (s *fakeStore) RawEventsByIDs(ctx context.Context, ids []string) ([]model.RawEvent, error) {
	return nil, nil
}

type fakeClient struct {
	calls []model.Detection
	err   error
}

func (c *fakeClient) Dispatch(ctx context.Context, det model.Detection, raw []model.RawEvent, normalized []model.NormalizedEvent) aiclient.Outcome {
	c.calls = append(c.calls, det)
	if c.err != nil {
		return aiclient.Outcome{Error: c.err}
	}
	return aiclient.Outcome{ThreatDetected: true}
}

func TestRunTick_DispatchesEveryOpenDetectionAcrossTenants(t *testing.T) {
	store := &fakeStore{
		tenants: []string{"t1", "t2"},
		detections: map[string][]model.Detection{
			"t1": {{ID: "d1", TenantID: "t1"}, {ID: "d2", TenantID: "t1"}},
			"t2": {{ID: "d3", TenantID: "t2"}},
		},
	}
	client := &fakeClient{}
	stage := New(Config{Store: store, Client: client})

	n, err := stage.RunTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, client.calls, 3)
}

func TestRunTick_OneDetectionFailureDoesNotStopTheRest(t *testing.T) {
	store := &fakeStore{
		tenants: []string{"t1"},
		detections: map[string][]model.Detection{
			"t1": {{ID: "d1", TenantID: "t1"}, {ID: "d2", TenantID: "t1"}},
		},
	}
	client := &fakeClient{err: errors.New("orchestrator unreachable")}
	stage := New(Config{Store: store, Client: client})

	n, err := stage.RunTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "both detections fail to dispatch")
	require.Len(t, client.calls, 2, "both were still attempted")
}

func TestRunTick_NoOpenDetectionsIsNoOp(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	stage := New(Config{Store: store, Client: client})

	n, err := stage.RunTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, client.calls)
}
