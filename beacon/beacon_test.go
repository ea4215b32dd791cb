package beacon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreClamping(t *testing.T) {
	n := &Node{Host: "test"}

	n.setScore(MaxScore)
	n.adjustScore(ScoreDeltaSuccess)
	assert.Equal(t, MaxScore, n.Score(), "score must not exceed MaxScore")

	n.setScore(0)
	n.adjustScore(-ScoreDeltaFailure)
	assert.Equal(t, 0, n.Score(), "score must not go negative")
}

func TestOnOutcomeUnsupportedEndpointDoesNotPenalize(t *testing.T) {
	n := &Node{Host: "test"}
	n.setScore(50)

	n.onOutcome(ErrUnsupportedEndpoint)
	assert.Equal(t, 50, n.Score(), "unsupported-endpoint errors must not lower score")

	n.onOutcome(ErrNotReady)
	assert.Equal(t, 50-ScoreDeltaFailure, n.Score(), "other errors must lower score")

	n.onOutcome(nil)
	assert.Equal(t, 50-ScoreDeltaFailure+ScoreDeltaSuccess, n.Score())
}
