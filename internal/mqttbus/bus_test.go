package mqttbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeBeforeConnectRegisters(t *testing.T) {
	b := New(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "device-test"}, nil)

	called := false
	require.NoError(t, b.Subscribe("device/test/config/api-key-rotation", 1, func(string, []byte) {
		called = true
	}))

	b.mu.Lock()
	_, registered := b.subs["device/test/config/api-key-rotation"]
	b.mu.Unlock()
	assert.True(t, registered, "subscription must be in the registry before connect")
	assert.False(t, called)
}

func TestBus_PublishWithoutConnectFails(t *testing.T) {
	b := New(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "device-test"}, nil)
	err := b.Publish("device/test/logs/1/web/info", 0, false, []byte("line"))
	require.Error(t, err)
}

func TestBus_UnsubscribeRemovesRegistration(t *testing.T) {
	b := New(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "device-test"}, nil)
	require.NoError(t, b.Subscribe("device/test/jobs/+", 1, func(string, []byte) {}))
	b.Unsubscribe("device/test/jobs/+")

	b.mu.Lock()
	_, registered := b.subs["device/test/jobs/+"]
	b.mu.Unlock()
	assert.False(t, registered)
}
