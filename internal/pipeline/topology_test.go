package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mtl-publisher/internal/errs"
	"mtl-publisher/internal/mq"
	"mtl-publisher/internal/mq/mqtest"
	"mtl-publisher/internal/reactor"
)

func TestProvision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		fail        string
		expectedErr bool
		results     map[string]string
	}{
		{
			name: "all declared",
			results: map[string]string{
				"exchange.declare": "ok",
				"queue.declare":    "ok",
				"queue.bind":       "ok",
			},
		},
		{
			name:        "queue declare rejected",
			fail:        mqtest.QueueDeclare,
			expectedErr: true,
			results: map[string]string{
				"exchange.declare": "ok",
				"queue.declare":    "error",
				"queue.bind":       "ok",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			broker := &mqtest.Broker{}
			if tt.fail != "" {
				broker.Fail(tt.fail, 0, errors.New("PRECONDITION_FAILED"))
			}

			m := &mockCollector{}
			for op, result := range tt.results {
				m.On("IncTopology", op, result).Once()
			}
			if tt.expectedErr {
				m.On("IncError", "topology").Once()
			}

			calls := 0
			var result error
			drive(t, broker, func(_ *reactor.Reactor, c *mq.Connection) {
				ch, err := c.OpenChannel()
				require.NoError(t, err)
				NewProvisioner(m, nil).Provision(ch, testTopology, func(err error) {
					calls++
					result = err
					c.Close()
				})
			})

			assert.Equal(t, 1, calls)
			if tt.expectedErr {
				assert.ErrorIs(t, result, errs.ErrTopology)
				assert.ErrorContains(t, result, "queue.declare")
			} else {
				assert.NoError(t, result)
			}
			assert.Equal(t, []string{
				mqtest.ChannelOpen, mqtest.ExchangeDeclare, mqtest.QueueDeclare, mqtest.QueueBind,
			}, broker.Methods())

			bind := broker.Ops()[3]
			assert.Equal(t, "exchange", bind.Exchange)
			assert.Equal(t, "queue", bind.Queue)
			assert.Equal(t, "mtl.#", bind.Key)
			m.AssertExpectations(t)
		})
	}
}

func TestProvisionClosedChannel(t *testing.T) {
	t.Parallel()
	m := &mockCollector{}
	m.On("IncTopology", mock.Anything, "error").Times(3)
	m.On("IncError", "topology").Times(3)

	var result error
	drive(t, &mqtest.Broker{}, func(_ *reactor.Reactor, c *mq.Connection) {
		ch, err := c.OpenChannel()
		require.NoError(t, err)
		c.Close()
		NewProvisioner(m, nil).Provision(ch, testTopology, func(err error) { result = err })
	})

	assert.ErrorIs(t, result, errs.ErrTopology)
	assert.ErrorIs(t, result, mq.ErrChannelClosed)
	m.AssertExpectations(t)
}
