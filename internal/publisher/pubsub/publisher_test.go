package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakePubSub(t *testing.T, topic string) (*pstest.Server, *Publisher) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/newsdesk/topics/" + topic})
	require.NoError(t, err)

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "newsdesk", option.WithGRPCConn(conn))
	require.NoError(t, err)

	pub := New(client, nil)
	t.Cleanup(func() { _ = pub.Close() })
	return srv, pub
}

func TestPublishSendsJSONPayload(t *testing.T) {
	t.Parallel()

	srv, pub := newFakePubSub(t, "records")
	id, err := pub.Publish(context.Background(), "records", map[string]string{"event": "record.created", "record_id": "r1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "record.created", got["event"])
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublishValidatesInput(t *testing.T) {
	t.Parallel()

	_, pub := newFakePubSub(t, "records")
	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = pub.Publish(context.Background(), "records", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	_, err = (&Publisher{}).Publish(context.Background(), "records", "x")
	require.ErrorContains(t, err, "not configured")
}

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	prop := propagation.TraceContext{}
	carrier.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	ctx := prop.Extract(context.Background(), carrier)
	out := &pubsubCarrier{attrs: map[string]string{}}
	prop.Inject(ctx, out)

	require.Equal(t, carrier.Get("traceparent"), out.Get("traceparent"))
	require.ElementsMatch(t, []string{"traceparent"}, out.Keys())
}
