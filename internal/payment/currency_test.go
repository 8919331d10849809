package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatMajor(t *testing.T) {
	require.Equal(t, "10.50", FormatMajor(1050, "usd"))
	require.Equal(t, "1000", FormatMajor(1000, "JPY"))
	require.Equal(t, "0.05", FormatMajor(5, "EUR"))
}

func TestParseMajor(t *testing.T) {
	v, err := ParseMajor("10.50", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 1050, v)

	v, err = ParseMajor("1000", "JPY")
	require.NoError(t, err)
	require.EqualValues(t, 1000, v)

	_, err = ParseMajor("10.5", "JPY")
	require.Error(t, err, "JPY has no minor unit")

	_, err = ParseMajor("abc", "USD")
	require.Error(t, err)
}

func TestParseProvider(t *testing.T) {
	p, ok := ParseProvider(" Stripe ")
	require.True(t, ok)
	require.Equal(t, ProviderStripe, p)

	_, ok = ParseProvider("midtrans")
	require.False(t, ok)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewAdapters(nil)...)
	require.Len(t, reg.Providers(), 5)

	a, err := reg.Lookup("komoju")
	require.NoError(t, err)
	require.Equal(t, ProviderKomoju, a.Provider())

	_, err = reg.Lookup("unknown")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCurrencySupport(t *testing.T) {
	reg := NewRegistry(NewAdapters(nil)...)
	cases := []struct {
		provider Provider
		currency string
		ok       bool
	}{
		{ProviderStripe, "sgd", true},
		{ProviderPayPal, "SGD", false},
		{ProviderSquare, "JPY", true},
		{ProviderPayPay, "USD", false},
		{ProviderKomoju, "JPY", true},
	}
	for _, tc := range cases {
		a, err := reg.Get(tc.provider)
		require.NoError(t, err)
		require.Equal(t, tc.ok, a.SupportsCurrency(tc.currency), "%s %s", tc.provider, tc.currency)
	}
}
