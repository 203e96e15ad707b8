package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		region string
		want   string
	}{
		{name: "national mobile", raw: "(11) 91234-5678", region: "BR", want: "+5511912345678"},
		{name: "already international", raw: "+55 11 91234-5678", region: "US", want: "+5511912345678"},
		{name: "default region", raw: "11912345678", want: "+5511912345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeE164(tt.raw, tt.region)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeE164Rejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "123", "not a number"} {
		_, err := NormalizeE164(raw, "BR")
		assert.ErrorIs(t, err, ErrInvalid, raw)
	}
}
