package enrich

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/remote"
)

func TestCategoryName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want string
	}{
		{"cost-management-compute-host-underutilized-name", "Underutilized Instances - Right-size based on actual usage"},
		{"CREATE-CCD-COMMITMENT", "Compute Commitments - Purchase 1-3 year commitments for discounts"},
		{"storage-tiering_policy", "Storage Tiering Policy"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategoryName(tt.code), tt.code)
	}
}

func TestActions(t *testing.T) {
	t.Parallel()

	explanation, actions := Actions("cost-management-compute-host-terminated-name", 3)
	assert.True(t, strings.HasPrefix(explanation, "3 stopped or terminated"), explanation)
	require.Len(t, actions, 4)
	assert.Equal(t, "List the 3 terminated or stopped instance(s)", actions[0])

	_, actions = Actions("cost-management-compute-host-underutilized-name", 2)
	assert.Equal(t, "Consider a smaller shape when average CPU stays below 20%", actions[1])

	_, actions = Actions("performance-compute-host-highutilization-name", 1)
	assert.Equal(t, "Move to a larger shape", actions[2], "high utilization does not fall into the underutilized guidance")

	explanation, actions = Actions("something-new", 7)
	assert.Equal(t, "Cloud Advisor found an optimization for 7 resource(s).", explanation)
	assert.Len(t, actions, 4)
}

func TestRecommendations(t *testing.T) {
	t.Parallel()

	in := []model.Record{
		rec(map[string]any{"category": "enable-db-management", remote.FieldPendingResources: 5}),
		rec(map[string]any{"category": "Uncategorized"}),
	}
	out := Recommendations(in)

	require.Len(t, out, 2)
	assert.Equal(t, "Database Management - Enable monitoring and performance insights", out[0].Text(FieldCategoryName))
	assert.Contains(t, out[0].Text(FieldExplanation), "5 database(s)")
	assert.Len(t, strings.Split(out[0].Text(FieldActions), ActionSeparator), 4)
	assert.Equal(t, "Uncategorized", out[1].Text(FieldCategoryName))
	assert.Contains(t, out[1].Text(FieldExplanation), "0 resource(s)")
	assert.Empty(t, in[0].Text(FieldCategoryName), "input records are not mutated")
}
