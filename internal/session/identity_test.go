package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentityCatalogue(t *testing.T) {
	for _, kind := range Kinds() {
		id, err := ParseIdentity(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, id.Kind)
		assert.Positive(t, id.Minutes)
		assert.NotEmpty(t, id.Title)
	}

	id, err := ParseIdentity("  Body_Scan ")
	require.NoError(t, err)
	assert.Equal(t, "body_scan", id.Kind)
}

func TestParseIdentityCustom(t *testing.T) {
	id, err := ParseIdentity("custom|letting go|anxious|long day at work|12")
	require.NoError(t, err)
	assert.Equal(t, Identity{
		Kind:    "custom",
		Title:   "Custom: letting go",
		Focus:   "letting go",
		Mood:    "anxious",
		Context: "long day at work",
		Minutes: 12,
	}, id)

	id, err = ParseIdentity("custom|rest|||5")
	require.NoError(t, err)
	assert.Empty(t, id.Mood)
	assert.Equal(t, 5, id.Minutes)
}

func TestParseIdentityRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"yoga",
		"breathing|10",
		"custom|focus|mood|10",
		"custom||calm||10",
		"custom|focus|calm||zero",
		"custom|focus|calm||0",
		"custom|focus|calm||121",
	} {
		_, err := ParseIdentity(raw)
		assert.ErrorIs(t, err, ErrUnknownSession, raw)
	}
}

func TestPlanSteps(t *testing.T) {
	assert.Equal(t, []int{180, 180, 180, 180, 180, 180, 180}, PlanSteps(1260, 180, 0))
	assert.Equal(t, []int{600}, PlanSteps(600, 0, 5))
	assert.Equal(t, []int{60}, PlanSteps(60, 180, 5))

	plan := PlanSteps(600, 180, 5)
	require.Len(t, plan, 3)
	sum := 0
	for _, d := range plan {
		sum += d
	}
	assert.Equal(t, 600, sum+5*(len(plan)-1))
	assert.Equal(t, []int{196, 196, 198}, plan)
}
