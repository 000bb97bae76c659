package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"centinela/internal/model"
)

type fakeClient struct {
	lastInput *s3.PutObjectInput
	failErr   error
}

func (c *fakeClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.failErr != nil {
		return nil, c.failErr
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	// Stash a copy with the body already read, since Body is a one-shot reader.
	cp := *params
	cp.Body = bytes.NewReader(body)
	c.lastInput = &cp
	return &s3.PutObjectOutput{}, nil
}

func TestWriteBatch_UploadsGzippedNDJSON(t *testing.T) {
	client := &fakeClient{}
	b := New(Config{Client: client, Bucket: "centinela-archive", Prefix: "prod"})

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	events := []model.RawEvent{
		{ID: "ev1", TenantID: "t1", RawMessage: "hello"},
		{ID: "ev2", TenantID: "t1", RawMessage: "world"},
	}

	key, err := b.WriteBatch(context.Background(), "t1", now, events)
	require.NoError(t, err)
	require.Contains(t, key, "prod/t1/2026/07/31/")
	require.NotNil(t, client.lastInput)
	require.Equal(t, "centinela-archive", *client.lastInput.Bucket)
	require.Equal(t, "gzip", *client.lastInput.ContentEncoding)

	body, err := io.ReadAll(client.lastInput.Body)
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer gz.Close()

	dec := json.NewDecoder(gz)
	var got []model.RawEvent
	for {
		var ev model.RawEvent
		if err := dec.Decode(&ev); err != nil {
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, "ev1", got[0].ID)
	require.Equal(t, "ev2", got[1].ID)
}

func TestWriteBatch_PutObjectErrorPropagates(t *testing.T) {
	client := &fakeClient{failErr: fmt.Errorf("simulated s3 outage")}
	b := New(Config{Client: client, Bucket: "bucket"})

	_, err := b.WriteBatch(context.Background(), "t1", time.Now(), []model.RawEvent{{ID: "ev1"}})
	require.Error(t, err)
}

func TestNewFactory_MissingBucketReturnsError(t *testing.T) {
	factory := NewFactory()
	_, err := factory(map[string]string{}, nil)
	require.Error(t, err)
}
