package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// typeRecorder implements Handler and records which method was invoked.
type typeRecorder struct {
	got []string
}

func (r *typeRecorder) rec(s string) error { r.got = append(r.got, s); return nil }

func (r *typeRecorder) HandleTaskDispatch(context.Context, *TaskDispatch) error {
	return r.rec("dispatch")
}
func (r *typeRecorder) HandleTaskResult(context.Context, *TaskResult) error { return r.rec("result") }
func (r *typeRecorder) HandleAgentRegister(context.Context, *AgentRegister) error {
	return r.rec("register")
}
func (r *typeRecorder) HandleAgentHeartbeat(context.Context, *AgentHeartbeat) error {
	return r.rec("heartbeat")
}
func (r *typeRecorder) HandleAgentStatus(context.Context, *AgentStatusChange) error {
	return r.rec("status")
}
func (r *typeRecorder) HandleAgentDeregister(context.Context, *AgentDeregister) error {
	return r.rec("deregister")
}
func (r *typeRecorder) HandleControlStop(context.Context, *ControlStop) error { return r.rec("stop") }
func (r *typeRecorder) HandleControlKill(context.Context, *ControlKill) error { return r.rec("kill") }
func (r *typeRecorder) HandleControlApprove(context.Context, *ControlApprove) error {
	return r.rec("approve")
}
func (r *typeRecorder) HandleControlPing(context.Context, *ControlPing) error { return r.rec("ping") }
func (r *typeRecorder) HandleControlPong(context.Context, *ControlPong) error { return r.rec("pong") }

func TestEncode_FlatTypeField(t *testing.T) {
	data, err := Encode(&ControlStop{AgentID: "a1", TaskID: "t1", Reason: "user", Graceful: true})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "control:stop", raw["type"])
	assert.Equal(t, "a1", raw["agentId"])
	assert.Equal(t, true, raw["graceful"])
}

func TestDecode_Dispatch(t *testing.T) {
	in := &TaskDispatch{
		TaskID:         "t1",
		TargetAgentID:  "a1",
		ConversationID: "conv-x",
		Platform:       "slack",
		Task: DispatchTask{
			Description:  "add tests",
			CodebaseID:   "c1",
			Priority:     5,
			Expectations: &models.Expectations{RequireCommits: true},
		},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	d, ok := out.(*TaskDispatch)
	require.True(t, ok, "expected *TaskDispatch, got %T", out)
	assert.Equal(t, "conv-x", d.ConversationID)
	assert.Equal(t, 5, d.Task.Priority)
	require.NotNil(t, d.Task.Expectations)
	assert.True(t, d.Task.Expectations.RequireCommits)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"task:teleport","taskId":"t1"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessageType))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestAccept_RoutesEveryVariant(t *testing.T) {
	msgs := []Message{
		&TaskDispatch{}, &TaskResult{}, &AgentRegister{}, &AgentHeartbeat{}, &AgentStatusChange{},
		&AgentDeregister{}, &ControlStop{}, &ControlKill{}, &ControlApprove{}, &ControlPing{}, &ControlPong{},
	}
	r := &typeRecorder{}
	for _, m := range msgs {
		data, err := Encode(m)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, m.Type(), decoded.Type())
		require.NoError(t, decoded.Accept(context.Background(), r))
	}
	assert.Equal(t, []string{
		"dispatch", "result", "register", "heartbeat", "status",
		"deregister", "stop", "kill", "approve", "ping", "pong",
	}, r.got)
}

func TestChannels(t *testing.T) {
	c := Channels{Prefix: "pool"}
	assert.Equal(t, "pool.agents", c.Agents())
	assert.Equal(t, "pool.results", c.Results())
	assert.Equal(t, "pool.control", c.Control())
	assert.Equal(t, "pool.agent.a1", c.Agent("a1"))
}

func TestPgChannel(t *testing.T) {
	assert.Equal(t, "pool.results", pgChannel("pool.results"))

	long := "agentpool.agent." + strings.Repeat("x", 80)
	got := pgChannel(long)
	assert.LessOrEqual(t, len(got), maxChannelName)
	assert.Equal(t, got, pgChannel(long))
	assert.NotEqual(t, got, pgChannel(long+"y"))
}

func TestMemoryBus_DeliversInOrder(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, b.Subscribe("ch", func(_ context.Context, m Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.(*AgentHeartbeat).AgentID)
		if len(got) == 3 {
			close(done)
		}
	}))

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "ch", &AgentHeartbeat{AgentID: id}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryBus_CopiesMessages(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	defer b.Close()

	recv := make(chan *TaskResult, 1)
	require.NoError(t, b.Subscribe("ch", func(_ context.Context, m Message) {
		recv <- m.(*TaskResult)
	}))

	sent := &TaskResult{TaskID: "t1", Claims: models.Claims{FilesModified: []string{"a.go"}}}
	require.NoError(t, b.Publish(context.Background(), "ch", sent))
	sent.Claims.FilesModified[0] = "mutated.go"

	select {
	case got := <-recv:
		assert.Equal(t, []string{"a.go"}, got.Claims.FilesModified)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_SubscribeRules(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())

	noop := func(context.Context, Message) {}
	require.NoError(t, b.Subscribe("ch", noop))
	assert.ErrorIs(t, b.Subscribe("ch", noop), ErrAlreadySubscribed)
	require.NoError(t, b.Unsubscribe("ch"))
	assert.ErrorIs(t, b.Unsubscribe("ch"), ErrNotSubscribed)

	// Publishing to a channel nobody listens on is not an error.
	require.NoError(t, b.Publish(context.Background(), "nobody", &ControlPing{Nonce: "n"}))

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "ch", &ControlPing{}), ErrClosed)
	assert.ErrorIs(t, b.Subscribe("ch", noop), ErrClosed)
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), Config{Backend: BackendMemory}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.(*MemoryBus)
	assert.True(t, ok)

	_, err = Open(context.Background(), Config{Backend: "carrier-pigeon"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPostgresBus_ChannelsDeliverIndependently(t *testing.T) {
	b := newPostgresBus(nil, nil, zerolog.Nop())
	defer b.Close()

	release := make(chan struct{})
	defer close(release)
	heartbeats := make(chan string, 1)

	b.mu.Lock()
	b.attach("results", func(context.Context, Message) { <-release })
	b.attach("agents", func(_ context.Context, m Message) {
		heartbeats <- m.(*AgentHeartbeat).AgentID
	})
	b.mu.Unlock()

	encode := func(m Message) string {
		data, err := Encode(m)
		require.NoError(t, err)
		return string(data)
	}
	b.route("results", encode(&TaskResult{TaskID: "t1"}))
	b.route("agents", encode(&AgentHeartbeat{AgentID: "a1"}))
	b.route("agents", "{not json")
	b.route("unknown", encode(&AgentHeartbeat{AgentID: "a2"}))

	select {
	case id := <-heartbeats:
		assert.Equal(t, "a1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat held up behind a blocked results handler")
	}
}
