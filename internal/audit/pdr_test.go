package audit

import (
	"errors"
	"testing"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	entries []models.PDREntry
	err     error
}

func (s *recordingSink) WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	e := models.PDREntry{Action: action, InputsHash: inputsHash, Outcome: outcome, TaskID: taskID, Details: details}
	s.entries = append(s.entries, e)
	return &e, nil
}

func TestRecord_HashesInputsDeterministically(t *testing.T) {
	sink := &recordingSink{}
	w := NewPDRWriter(sink, zerolog.Nop())

	_, err := w.Record("task.dispatch", map[string]string{"agent_id": "a1"}, "success", "t1", "")
	require.NoError(t, err)
	_, err = w.Record("task.dispatch", map[string]string{"agent_id": "a1"}, "success", "t1", "")
	require.NoError(t, err)
	_, err = w.Record("task.dispatch", map[string]string{"agent_id": "a2"}, "success", "t1", "")
	require.NoError(t, err)

	require.Len(t, sink.entries, 3)
	assert.Equal(t, sink.entries[0].InputsHash, sink.entries[1].InputsHash)
	assert.NotEqual(t, sink.entries[0].InputsHash, sink.entries[2].InputsHash)
	assert.Len(t, sink.entries[0].InputsHash, 64)
}

func TestRecord_ReturnsSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	w := NewPDRWriter(sink, zerolog.Nop())

	_, err := w.Record("env.remove", nil, "error", "", "")
	assert.Error(t, err)
}

func TestHashInputs_Unmarshalable(t *testing.T) {
	assert.Equal(t, "hash_error", hashInputs(make(chan int)))
}
