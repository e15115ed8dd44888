package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "hotfeed", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: fullTopicName("hotfeed", "items-inserted")})
	require.NoError(t, err)
	return srv, client
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	srv, client := newFakeClient(t)
	pub := New(client, "hotfeed", nil)
	defer pub.Close()

	ctx := context.Background()
	require.NoError(t, pub.VerifyTopic(ctx, "items-inserted"))
	require.Error(t, pub.VerifyTopic(ctx, "missing"))

	id, err := pub.Publish(ctx, "items-inserted", map[string]any{"task_id": "t1", "count": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "t1", got["task_id"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublishRejectsBadInput(t *testing.T) {
	_, client := newFakeClient(t)
	pub := New(client, "hotfeed", nil)
	ctx := context.Background()

	_, err := pub.Publish(ctx, "", "x")
	require.Error(t, err)

	_, err = pub.Publish(ctx, "items-inserted", func() {})
	require.Error(t, err)

	pub.Close()
	pub.Close()
	_, err = pub.Publish(ctx, "items-inserted", "late")
	require.Error(t, err)

	_, err = New(nil, "hotfeed", nil).Publish(ctx, "items-inserted", "x")
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
