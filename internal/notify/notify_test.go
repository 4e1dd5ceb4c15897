package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorder_FiltersByTopic(t *testing.T) {
	r := &Recorder{}
	r.Dispatch(context.Background(),
		Effect{Topic: TopicSale, Key: "p1"},
		Alert("p1", "capture_failed", "capture failed", "timeout"),
		Effect{Topic: TopicSale, Key: "p2"},
	)

	assert.Len(t, r.Effects(), 3)
	sales := r.Topic(TopicSale)
	assert.Equal(t, []string{"p1", "p2"}, []string{sales[0].Key, sales[1].Key})

	alerts := r.Topic(TopicOpsAlert)
	assert.Len(t, alerts, 1)
	assert.Equal(t, OpsAlert{Kind: "capture_failed", Subject: "capture failed", Detail: "timeout"}, alerts[0].Payload)
}
