package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/bus/bustest"
	"github.com/loqalabs/loqa-meditation/internal/control"
	"github.com/loqalabs/loqa-meditation/internal/protocol"
	"github.com/loqalabs/loqa-meditation/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id string

	mu    sync.Mutex
	state session.State
	calls []string
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) transition(name string, from, to session.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.state != from {
		return session.ErrInvalidTransition
	}
	f.state = to
	return nil
}

func (f *fakeSession) Start() error  { return f.transition("start", session.Ready, session.Active) }
func (f *fakeSession) Pause() error  { return f.transition("pause", session.Active, session.Paused) }
func (f *fakeSession) Resume() error { return f.transition("resume", session.Paused, session.Active) }

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.state = session.Completed
	return nil
}

func (f *fakeSession) Progress() session.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Progress{SessionID: f.id, State: f.state}
}

func TestApplyRoutesActions(t *testing.T) {
	svc := control.NewService(context.Background(), nil, bustest.Logger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	_, err := svc.Apply("", protocol.ActionPause)
	require.ErrorIs(t, err, control.ErrNoSession)

	s1 := &fakeSession{id: "s1", state: session.Ready}
	svc.Register(s1)

	p, err := svc.Apply("", "START")
	require.NoError(t, err)
	assert.Equal(t, session.Active, p.State)

	p, err = svc.Apply("s1", protocol.ActionPause)
	require.NoError(t, err)
	assert.Equal(t, session.Paused, p.State)

	_, err = svc.Apply("s1", protocol.ActionPause)
	require.ErrorIs(t, err, session.ErrInvalidTransition)

	_, err = svc.Apply("s1", "rewind")
	require.ErrorIs(t, err, control.ErrUnknownAction)

	svc.Register(&fakeSession{id: "s2"})
	_, err = svc.Apply("", protocol.ActionProgress)
	require.ErrorIs(t, err, control.ErrAmbiguous)
	assert.Equal(t, []string{"s1", "s2"}, svc.Sessions())

	svc.Unregister("s2")
	_, err = svc.Apply("s2", protocol.ActionProgress)
	require.ErrorIs(t, err, control.ErrNoSession)

	assert.Equal(t, []string{"start", "pause", "pause"}, s1.calls)
}

func request(t *testing.T, client *bus.Client, req protocol.ControlRequest) protocol.ControlReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.ControlReply
	require.NoError(t, client.Request(ctx, protocol.SubjectControl, req, &reply))
	return reply
}

func TestBusRequestReply(t *testing.T) {
	client := bustest.Connect(t)
	svc := control.NewService(context.Background(), client, bustest.Logger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())

	svc.Register(&fakeSession{id: "s1", state: session.Ready})

	reply := request(t, client, protocol.ControlRequest{SessionID: "s1", Action: protocol.ActionStart})
	assert.True(t, reply.OK)
	assert.Empty(t, reply.Error)
	progress, ok := reply.Progress.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", progress["state"])

	reply = request(t, client, protocol.ControlRequest{SessionID: "s1", Action: protocol.ActionResume})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "invalid state transition")

	reply = request(t, client, protocol.ControlRequest{SessionID: "missing", Action: protocol.ActionStop})
	assert.False(t, reply.OK)
	assert.Nil(t, reply.Progress)

	msg, err := client.Conn().Request(protocol.SubjectControl, []byte("{"), 2*time.Second)
	require.NoError(t, err)
	var bad protocol.ControlReply
	require.NoError(t, json.Unmarshal(msg.Data, &bad))
	assert.Contains(t, bad.Error, "malformed")
}

func TestProgressPublisherThrottlesTicks(t *testing.T) {
	client := bustest.Connect(t)
	sub, err := client.Conn().SubscribeSync(protocol.ProgressSubject("s1"))
	require.NoError(t, err)

	pub := control.NewProgressPublisher(client, "s1", time.Second, bustest.Logger())
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	progress := session.Progress{SessionID: "s1", State: session.Active}

	pub.Observe(session.Event{Kind: session.ProgressUpdated, Progress: progress, At: t0})
	pub.Observe(session.Event{Kind: session.ProgressUpdated, Progress: progress, At: t0.Add(100 * time.Millisecond)})
	pub.Observe(session.Event{Kind: session.StateChanged, Progress: progress, At: t0.Add(200 * time.Millisecond)})
	pub.Observe(session.Event{Kind: session.ProgressUpdated, Progress: progress, At: t0.Add(300 * time.Millisecond)})
	pub.Observe(session.Event{Kind: session.ProgressUpdated, Progress: progress, At: t0.Add(1100 * time.Millisecond)})
	require.NoError(t, client.Conn().Flush())

	var kinds []string
	for {
		msg, err := sub.NextMsg(200 * time.Millisecond)
		if err != nil {
			break
		}
		var ev protocol.ProgressEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "s1", ev.SessionID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"progress", "state_changed", "progress"}, kinds)
}

func TestLookupWrapsUnknown(t *testing.T) {
	svc := control.NewService(context.Background(), nil, bustest.Logger())
	_, err := svc.Lookup("nope")
	assert.True(t, errors.Is(err, control.ErrNoSession))
}
