package comms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sweepline-ai/sweepline/internal/registry"
	"github.com/sweepline-ai/sweepline/pkg/model"
)

func startServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	server, err := NewServer("127.0.0.1:0", reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return server, reg
}

func runningJob(t *testing.T, reg *registry.Registry) model.JobID {
	t.Helper()
	id := reg.Create(func(id model.JobID) model.JobSpec {
		return model.JobSpec{ID: id}
	})
	require.NoError(t, reg.MarkSubmitted(id, "h"))
	return id
}

func TestClientServerRoundTrip(t *testing.T) {
	server, reg := startServer(t)
	id := runningJob(t, reg)

	client, err := Dial(server.Addr(), id)
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()

	require.NoError(t, client.Register())
	require.Eventually(t, func() bool {
		rec, _ := reg.Get(id)
		return rec.State == model.RunningState
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Progress(0.25))
	require.NoError(t, client.Intermediate(map[string]interface{}{"loss": 1.5, "stage": "warmup"}))
	require.NoError(t, client.Final(map[string]interface{}{"loss": 0.5}))

	require.Eventually(t, func() bool {
		rec, _ := reg.Get(id)
		return rec.State == model.SucceededState
	}, 5*time.Second, 10*time.Millisecond)

	rec, _ := reg.Get(id)
	require.Equal(t, 0.5, rec.FinalResult["loss"])
	require.Len(t, rec.Intermediates, 1)
	require.Equal(t, 1.5, rec.Intermediates[0].Metrics["loss"])
	require.Equal(t, "warmup", rec.Annotations["stage"])
	require.Equal(t, 0.25, *rec.Progress)
}

func TestMalformedDatagramsDoNotKillServer(t *testing.T) {
	server, reg := startServer(t)
	id := runningJob(t, reg)

	// Raw garbage, valid JSON without an id, and an unknown kind all get
	// dropped without affecting the socket.
	server.Apply(Message{JobID: id, Kind: "launch_the_missiles"})
	server.handle([]byte("not json at all"))
	server.handle([]byte(`{"kind":"progress"}`))

	client, err := Dial(server.Addr(), id)
	require.NoError(t, err)
	defer func() { require.NoError(t, client.Close()) }()
	require.NoError(t, client.Register())

	require.Eventually(t, func() bool {
		rec, _ := reg.Get(id)
		return rec.State == model.RunningState
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownJobDatagramDropped(t *testing.T) {
	server, reg := startServer(t)

	server.Apply(Message{JobID: 42, Kind: KindRegister})
	require.Equal(t, 0, reg.Len())
}

func TestDecodeMessage(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"job_id":0,"kind":"register"}`))
	require.ErrorContains(t, err, "job id")

	_, err = DecodeMessage([]byte(`{"job_id":1,"kind":"bogus"}`))
	require.ErrorContains(t, err, "unknown message kind")

	msg, err := DecodeMessage([]byte(`{"job_id":1,"kind":"final_result","metrics":{"loss":0.5}}`))
	require.NoError(t, err)
	require.Equal(t, model.JobID(1), msg.JobID)
	require.Equal(t, KindFinalResult, msg.Kind)
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	big := make(map[string]interface{})
	for i := 0; i < MaxDatagramSize; i++ {
		big[time.Duration(i).String()] = float64(i)
	}
	_, err := Message{JobID: 1, Kind: KindIntermediate, Metrics: big}.Encode()
	require.ErrorContains(t, err, "datagram limit")
}

func TestSplitMetrics(t *testing.T) {
	metrics, annotations := SplitMetrics(map[string]interface{}{
		"loss":    0.5,
		"stage":   "final",
		"ignored": []interface{}{1, 2},
	})
	require.Equal(t, model.Metrics{"loss": 0.5}, metrics)
	require.Equal(t, model.Annotations{"stage": "final"}, annotations)
}
