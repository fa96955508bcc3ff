package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

func TestNewWorkItem(t *testing.T) {
	tests := []struct {
		name        string
		participant string
		action      ActionType
		wantCode    string
	}{
		{"create", "0088:4035811991021", ActionCreateOrUpdate, ""},
		{"delete", "9915:test", ActionDelete, ""},
		{"empty participant", "", ActionCreateOrUpdate, cierrors.ErrCodeInvalidParticipant},
		{"unknown action", "0088:1", ActionType("MERGE"), cierrors.ErrCodeUnsupportedAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := NewWorkItem(tt.participant, tt.action, "owner", "host", t0)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, cierrors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, item.ID)
			assert.Equal(t, tt.participant, item.ParticipantID)
			assert.Equal(t, t0, item.CreatedAt)
		})
	}
}

func TestWorkItem_ParticipantUsedAsIs(t *testing.T) {
	// Given participant ids that differ only in case and whitespace
	a, err := NewWorkItem("iso6523::ABC", ActionCreateOrUpdate, "", "", t0)
	require.NoError(t, err)
	b, err := NewWorkItem("iso6523::abc", ActionCreateOrUpdate, "", "", t0)
	require.NoError(t, err)
	c, err := NewWorkItem(" iso6523::ABC", ActionCreateOrUpdate, "", "", t0)
	require.NoError(t, err)

	// Then each is a distinct identity
	assert.NotEqual(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Identity(), c.Identity())
	assert.Equal(t, " iso6523::ABC", c.ParticipantID)
}

func TestWorkItem_IdentityIgnoresAuditFields(t *testing.T) {
	a, err := NewWorkItem("p1", ActionDelete, "alice", "10.0.0.1", t0)
	require.NoError(t, err)
	b, err := NewWorkItem("p1", ActionDelete, "bob", "10.0.0.2", t0.Add(1))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Identity(), b.Identity())
	assert.Equal(t, "p1/DELETE", a.Identity().String())

	c, err := NewWorkItem("p1", ActionCreateOrUpdate, "alice", "10.0.0.1", t0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Identity(), c.Identity())
}

func TestParseActionType(t *testing.T) {
	for in, want := range map[string]ActionType{
		"CREATE_OR_UPDATE": ActionCreateOrUpdate,
		"create":           ActionCreateOrUpdate,
		"index":            ActionCreateOrUpdate,
		"DELETE":           ActionDelete,
		"remove":           ActionDelete,
	} {
		got, err := ParseActionType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseActionType("upsert")
	assert.Equal(t, cierrors.ErrCodeUnsupportedAction, cierrors.GetCode(err))
}

func TestActionFor(t *testing.T) {
	a, ok := ActionFor(ActionCreateOrUpdate)
	require.True(t, ok)
	assert.Equal(t, ActionCreateOrUpdate, a.Type())

	d, ok := ActionFor(ActionDelete)
	require.True(t, ok)
	assert.Equal(t, ActionDelete, d.Type())

	_, ok = ActionFor("NOPE")
	assert.False(t, ok)
}

func TestUniqueness_TryAddIsAtomic(t *testing.T) {
	// Given many goroutines racing for one identity
	u := NewUniqueness()
	id := Identity{ParticipantID: "p1", Action: ActionCreateOrUpdate}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if u.TryAdd(id) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Then exactly one wins and the set holds one entry
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, u.Len())
	assert.True(t, u.Contains(id))

	// When released, the identity can be claimed again
	u.Remove(id)
	u.Remove(id)
	assert.False(t, u.Contains(id))
	assert.True(t, u.TryAdd(id))
}
