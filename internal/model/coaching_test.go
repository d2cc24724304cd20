package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/sensei/internal/model"
)

func TestClientProfileSummary(t *testing.T) {
	t.Run("name only", func(t *testing.T) {
		c := model.Client{Name: "Ana"}
		assert.Equal(t, "Client: Ana", c.ProfileSummary())
	})

	t.Run("summary and goals trimmed", func(t *testing.T) {
		c := model.Client{Name: "Ana", Summary: "  New engineering manager.  ", Goals: "Delegate more\n"}
		assert.Equal(t, "Client: Ana\nProfile: New engineering manager.\nGoals: Delegate more", c.ProfileSummary())
	})

	t.Run("blank summary omitted", func(t *testing.T) {
		c := model.Client{Name: "Ana", Summary: "   ", Goals: "Run a marathon"}
		assert.Equal(t, "Client: Ana\nGoals: Run a marathon", c.ProfileSummary())
	})
}

func TestClientDigestLine(t *testing.T) {
	last := time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))

	d := model.ClientDigest{ClientName: "Ana", SessionCount: 2, MessageCount: 17, LastActivityAt: &last, Summary: "Preparing for promotion."}
	assert.Equal(t, "- Ana: 17 messages across 2 sessions, last active 2026-03-15. Preparing for promotion.", d.Line())

	never := model.ClientDigest{ClientName: "Bo"}
	assert.Equal(t, "- Bo: 0 messages across 0 sessions, last active never", never.Line())
}

func TestLayerAppliesToKind(t *testing.T) {
	tests := []struct {
		target model.LayerTarget
		kind   model.AgentKind
		want   bool
	}{
		{model.LayerTargetAll, model.AgentKindCoach, true},
		{model.LayerTargetAll, model.AgentKindOverseer, true},
		{model.LayerTargetAll, model.AgentKindReport, true},
		{model.LayerTargetCoach, model.AgentKindCoach, true},
		{model.LayerTargetCoach, model.AgentKindOverseer, false},
		{model.LayerTargetCoach, model.AgentKindReport, false},
		{model.LayerTargetOverseer, model.AgentKindOverseer, true},
		{model.LayerTargetOverseer, model.AgentKindReport, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.target)+"/"+string(tt.kind), func(t *testing.T) {
			l := model.Layer{AppliesTo: tt.target}
			assert.Equal(t, tt.want, l.AppliesToKind(tt.kind))
		})
	}
}
