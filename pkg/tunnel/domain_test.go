package tunnel

import (
	"strings"
	"testing"

	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "erp.example.com", NormalizeDomain(" HTTPS://Erp.Example.com/web/login "))
	assert.Equal(t, "example.com", NormalizeDomain("example.com."))
	assert.Equal(t, "example.com", NormalizeDomain("http://example.com"))
}

func TestValidateExternalDomain(t *testing.T) {
	managed := []string{"sajet.us"}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"erp.impulse-max.com", "erp.impulse-max.com", false},
		{"Shop.Example.CO.", "shop.example.co", false},
		{"example", "", true},
		{"-bad.example.com", "", true},
		{"under_score.example.com", "", true},
		{"sajet.us", "", true},
		{"acme.sajet.us", "", true},
		{"notsajet.us", "notsajet.us", false},
		{strings.Repeat("a.", 130) + "com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateExternalDomain(tt.in, managed)
			if tt.wantErr {
				var verr *faults.ValidationError
				require.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTunnelTarget(t *testing.T) {
	assert.Equal(t, "abc-123.cfargotunnel.com", TunnelTarget("abc-123"))
}
