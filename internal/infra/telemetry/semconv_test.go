package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestStrategyAttributesCarryEnvironment(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Environment: "Staging"})
	require.NoError(t, err)
	t.Cleanup(func() { setEnvironment("") })

	attrs := StrategyAttributes("pml", AttrAction.String("start"))
	require.Equal(t, []attribute.KeyValue{
		AttrEnvironment.String("staging"),
		AttrStrategy.String("pml"),
		AttrAction.String("start"),
	}, attrs)
}

func TestChannelAttributesSkipBlankValues(t *testing.T) {
	setEnvironment("")
	attrs := ChannelAttributes("", "dropped")
	require.Len(t, attrs, 2)
	require.Equal(t, "development", attrs[0].Value.AsString())
	require.Equal(t, AttrResult, attrs[1].Key)
}

func TestDisabledProviderIsInert(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
}
