package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/jobflow/internal/runtime/errors"
)

func TestTopologyValidate(t *testing.T) {
	require.NoError(t, testTopology().Validate())

	t.Run("duplicates", func(t *testing.T) {
		topo := Topology[testTopic, testSubscription]{
			Topics:        []testTopic{topicOrders, topicOrders},
			Subscriptions: []testSubscription{subOrdersBilling, subOrdersBilling},
		}
		err := topo.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `duplicate topic "Orders"`)
		assert.Contains(t, err.Error(), `duplicate subscription "Orders_Billing"`)
	})

	t.Run("subscription of undeclared topic", func(t *testing.T) {
		topo := Topology[testTopic, testSubscription]{
			Topics:        []testTopic{topicOrders},
			Subscriptions: []testSubscription{subAuditLog},
		}
		assert.ErrorIs(t, topo.Validate(), errspkg.ErrSubscriptionTopicMismatch)
	})

	t.Run("empty names", func(t *testing.T) {
		topo := Topology[testTopic, testSubscription]{
			Topics:        []testTopic{""},
			Subscriptions: []testSubscription{""},
		}
		err := topo.Validate()
		assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
		assert.ErrorIs(t, err, errspkg.ErrSubscriptionRequired)
	})
}

func TestTopicOf(t *testing.T) {
	assert.Equal(t, "Orders", TopicOf(subOrdersBilling))
	assert.Equal(t, "Standalone", TopicOf(testSubscription("Standalone")))
	assert.Equal(t, "A", TopicOf(testSubscription("A_B_C")))
}

func TestValidateBinding(t *testing.T) {
	topo := testTopology()

	tests := []struct {
		name  string
		topic testTopic
		sub   testSubscription
		want  error
	}{
		{"valid", topicOrders, subOrdersBilling, nil},
		{"missing topic", "", subOrdersBilling, errspkg.ErrTopicRequired},
		{"missing subscription", topicOrders, "", errspkg.ErrSubscriptionRequired},
		{"unknown topic", "Invoices", subOrdersBilling, errspkg.ErrUnknownTopic},
		{"unknown subscription", topicOrders, "Orders_Refunds", errspkg.ErrUnknownSubscription},
		{"mismatch", topicAudit, subOrdersBilling, errspkg.ErrSubscriptionTopicMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBinding(topo, tt.topic, tt.sub)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
