package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckMetadataRejectsMismatchedVariant(t *testing.T) {
	require.NoError(t, CheckMetadata(EventStageAdvance, StageAdvanceMetadata{Notes: "ok"}))
	require.NoError(t, CheckMetadata(EventGateApproved, StageGateMetadata{Scope: ScopeStage}))
	require.NoError(t, CheckMetadata(EventGateRejected, GateDecisionMetadata{Scope: ScopeGate, GateID: "g"}))

	assert.Error(t, CheckMetadata(EventGateReset, StageAdvanceMetadata{}))
	assert.Error(t, CheckMetadata(EventStageAdvance, nil))
	assert.Error(t, CheckMetadata(EventType("bogus"), StageAdvanceMetadata{}))
}

func TestDecodeMetadataSeparatesGateScopes(t *testing.T) {
	raw, err := json.Marshal(GateDecisionMetadata{Scope: ScopeGate, GateID: "g-1", GateKey: "design", Comment: "lgtm"})
	require.NoError(t, err)
	md, err := DecodeMetadata(EventGateApproved, raw)
	require.NoError(t, err)
	gd, ok := md.(GateDecisionMetadata)
	require.True(t, ok, "expected GateDecisionMetadata, got %T", md)
	assert.Equal(t, "g-1", gd.GateID)
	assert.Equal(t, "g-1", MetadataGateID(md))

	raw, err = json.Marshal(StageGateMetadata{Scope: ScopeStage, Feedback: "fine"})
	require.NoError(t, err)
	md, err = DecodeMetadata(EventGateApproved, raw)
	require.NoError(t, err)
	sg, ok := md.(StageGateMetadata)
	require.True(t, ok, "expected StageGateMetadata, got %T", md)
	assert.Equal(t, "fine", sg.Feedback)
	assert.Empty(t, MetadataGateID(md))
}

func TestDecodeMetadataEmptyPayload(t *testing.T) {
	md, err := DecodeMetadata(EventStageAdvance, nil)
	require.NoError(t, err)
	assert.Equal(t, StageAdvanceMetadata{}, md)

	_, err = DecodeMetadata(EventType("nope"), []byte("{}"))
	assert.Error(t, err)
}

func TestWorkflowStateHasCompleted(t *testing.T) {
	s := WorkflowState{CurrentStage: "c", CompletedStages: []string{"a", "b"}}
	assert.True(t, s.HasCompleted("a"))
	assert.False(t, s.HasCompleted("c"))
}
