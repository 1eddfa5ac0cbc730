package pubsub_test

import (
	"github.com/stretchr/testify/assert"
	"github.com/tado-community/tado-governor/pkg/pubsub"
	"log/slog"
	"testing"
)

func TestPublisher(t *testing.T) {
	p := pubsub.New[int](slog.Default())
	assert.Zero(t, p.Subscribers())

	ch := p.Subscribe()
	assert.Equal(t, 1, p.Subscribers())

	p.Publish(42)
	assert.Equal(t, 42, <-ch)

	// a slow subscriber drops updates instead of blocking the publisher
	p.Publish(1)
	p.Publish(2)
	assert.Equal(t, 1, <-ch)

	p.Unsubscribe(ch)
	assert.Zero(t, p.Subscribers())
}
